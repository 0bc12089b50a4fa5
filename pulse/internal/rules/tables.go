package rules

// Built-in rule tables. Patterns are compiled case-insensitively; tag family
// tables can be replaced via a YAML override file, the cue tables below the
// families cannot.

var defaultTopics = map[string][]string{
	"rates":       {`\brate(s)?\b`, `\bhike(s|d)?\b`, `\byield(s)?\b`, `\btreasur(y|ies)\b`, `\b10-?year\b`, `\b2-?year\b`},
	"inflation":   {`\binflation\b`, `\bCPI\b`, `\bPCE\b`, `\bprice(s)?\b`},
	"fed":         {`\bFed\b`, `\bFOMC\b`, `\bPowell\b`, `\bcentral bank\b`},
	"jobs":        {`\bjobs\b`, `\bemployment\b`, `\bunemployment\b`, `\bpayrolls\b`},
	"growth":      {`\bGDP\b`, `\bgrowth\b`, `\brecession\b`, `\bsoft landing\b`, `\bhard landing\b`},
	"credit":      {`\bcredit\b`, `\bspreads?\b`, `\bdefault(s)?\b`, `\bdowngrade(s|d)?\b`},
	"banks":       {`\bbank(s)?\b`, `\bfinancial(s)?\b`, `\blender(s)?\b`},
	"housing":     {`\bhousing\b`, `\bmortgage(s)?\b`, `\bhome(s)?\b`, `\breal estate\b`},
	"energy":      {`\benergy\b`, `\boil\b`, `\bOPEC\b`, `\bWTI\b`, `\bBrent\b`, `\bgas\b`},
	"ai":          {`\bAI\b`, `\bartificial intelligence\b`, `\bLLM(s)?\b`},
	"semis":       {`\bsemi(s)?\b`, `\bchip(s)?\b`, `\bNVIDIA\b`, `\bTSMC\b`},
	"big_tech":    {`\bApple\b`, `\bMicrosoft\b`, `\bGoogle\b`, `\bAlphabet\b`, `\bAmazon\b`, `\bMeta\b`},
	"china":       {`\bChina\b`, `\bBeijing\b`, `\byuan\b`},
	"europe":      {`\bEurope(an)?\b`, `\bEU\b`, `\bECB\b`, `\bUK\b`, `\bBritain\b`},
	"geopolitics": {`\bwar\b`, `\bsanction(s)?\b`, `\bgeopolitic(s|al)\b`, `\bMiddle East\b`, `\bUkraine\b`},
	"earnings":    {`\bearnings\b`, `\brevenue\b`, `\bguidance\b`, `\bbeats?\b`, `\bmiss(es|ed)?\b`},
	"mna":         {`\bmerger(s)?\b`, `\bacquisition(s)?\b`, `\bbuyout\b`, `\bdeal\b`, `\bIPO\b`},
	"regulation":  {`\bregulat(ion|or|ory)\b`, `\bantitrust\b`, `\blaw\b`, `\bSEC\b`, `\btax(es)?\b`, `\bauditor(s)?\b`},
	"politics":    {`\belection(s)?\b`, `\bpolitical\b`, `\bpolitician(s)?\b`, `\bgovernment\b`, `\bcongress\b`, `\bsenate\b`, `\bhouse\b`, `\bparliament\b`, `\bpolicy\b`, `\bregime\b`},
	"trump":       {`\bTrump\b`},
	"biden":       {`\bBiden\b`},
	"crypto":      {`\bcrypto\b`, `\bbitcoin\b`, `\bBTC\b`, `\bethereum\b`, `\bETH\b`, `\bblockchain\b`, `\bNFT(s)?\b`},
	"startups":    {`\bstartup(s)?\b`, `\bVC\b`, `\bventure capital\b`, `\bfounder(s)?\b`, `\bunicorn(s)?\b`},
	"investors":   {`\binvestor(s)?\b`, `\bhedge fund(s)?\b`, `\bprivate equity\b`, `\bPE\b`},
	"markets":     {`\bmarket(s)?\b`, `\btrading\b`, `\bNYSE\b`, `\bNASDAQ\b`},
}

var defaultAssetClasses = map[string][]string{
	"equities":    {`\bstocks?\b`, `\bequities?\b`, `\bshares?\b`, `\bSPY\b`, `\bQQQ\b`, `\bDIA\b`, `\bS&P\b`, `\bNasdaq\b`, `\bDow\b`},
	"rates":       {`\bbonds?\b`, `\bfixed income\b`, `\btreasur(y|ies)\b`, `\byield(s)?\b`, `\bTLT\b`, `\bIEF\b`, `\bAGG\b`},
	"credit":      {`\bcredit\b`, `\bcorporate bonds?\b`, `\bhigh yield\b`, `\bjunk bonds?\b`, `\bLQD\b`, `\bHYG\b`},
	"fx":          {`\bcurrency\b`, `\bforex\b`, `\bFX\b`, `\bdollar\b`, `\beuro\b`, `\byen\b`, `\bpound\b`, `\bEURUSD\b`, `\bGBPUSD\b`},
	"commodities": {`\bcommodit(y|ies)\b`, `\bgold\b`, `\bsilver\b`, `\bcopper\b`, `\boil\b`, `\bWTI\b`, `\bBrent\b`, `\bGLD\b`, `\bSLV\b`},
}

var defaultGeo = map[string][]string{
	"US":     {`\bUS\b`, `\bUnited States\b`, `\bAmerica\b`, `\bFederal Reserve\b`, `\bFOMC\b`},
	"Europe": {`\bEurope\b`, `\bEU\b`, `\bEurozone\b`, `\bECB\b`, `\bEuropean Central Bank\b`, `\bGermany\b`, `\bFrance\b`},
	"China":  {`\bChina\b`, `\bBeijing\b`, `\bShanghai\b`, `\bHong Kong\b`, `\byuan\b`, `\bPBOC\b`},
	"Global": {`\bglobal\b`, `\bworldwide\b`, `\binternational\b`, `\bG7\b`, `\bG20\b`, `\bIMF\b`, `\bWorld Bank\b`},
	"EM":     {`\bemerging markets?\b`, `\bdeveloping countries\b`, `\bBRICS\b`, `\bBrazil\b`, `\bRussia\b`, `\bIndia\b`, `\bSouth Africa\b`},
}

var negCues = []string{
	`\bslump(s|ed)?\b`, `\bfall(s|ing)?\b`, `\bplunge(s|d)?\b`, `\bsell-?off\b`,
	`\bwarning\b`, `\brisk(s)?\b`, `\bcrisis\b`, `\bdefault(s|ed)?\b`, `\bdowngrade(s|d)?\b`,
	`\btumble(s|d)?\b`, `\bcrash\b`, `\bpanic\b`,
}

var posCues = []string{
	`\brally\b`, `\bsurge(s|d)?\b`, `\brise(s|rising)?\b`, `\bbeats?\b`, `\bupgrade(s|d)?\b`,
	`\bstrong\b`, `\brecord\b`, `\boptimis(m|tic)\b`, `\bgain(s|ed)?\b`, `\bsoar(s|ed)?\b`,
}

var urgHighCues = []string{
	`\bcrisis\b`, `\bpanic\b`, `\bplunge(s|d)?\b`, `\bsoar(s|ed)?\b`, `\bsurge(s|d)?\b`, `\bshock\b`,
	`\bemergency\b`, `\bscramble(s|d)?\b`, `\bcollapse\b`,
}

var urgMedCues = []string{
	`\bvolatil(e|ity)\b`, `\bpressure\b`, `\bconcern(s)?\b`, `\brisk(s)?\b`, `\bslide(s|d)?\b`,
	`\bjump(s|ed)?\b`,
}

// modeCues are checked in order; the first table with a hit decides.
var modeCues = []struct {
	name string
	pats []string
}{
	{"explain", []string{`\bwhy\b`, `\bexplainer\b`, `\bwhat is\b`, `\bhow\b`}},
	{"warn", []string{`\bwarning\b`, `\brisk(s)?\b`, `\bthreat\b`, `\bcould\b`, `\bmay\b`}},
	{"opportunity", []string{`\bbuy\b`, `\bbull case\b`, `\bundervalued\b`, `\bopportunity\b`}},
	{"posthoc", []string{`\bas\b.*\bfall(s|ing)?\b`, `\bafter\b.*\bdrop(s|ped)?\b`, `\bfollowing\b.*\bsell-?off\b`}},
	{"policy", []string{`\bFed\b`, `\bFOMC\b`, `\bTreasury\b`, `\bECB\b`, `\bBOJ\b`, `\bIMF\b`, `\bBIS\b`, `\bcentral bank\b`}},
}

package pulse

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/feedpulse/feedpulse/pulse/internal/store"
)

// DefaultSources is the built-in finance feed catalog. Categories:
// A market news, B interpretive and opinion, C macro and policy anchors,
// D practitioner commentary.
func DefaultSources() []Source {
	return []store.Source{
		{ID: "reuters_markets", Publisher: "Reuters", FeedName: "Markets", Category: "A",
			RSSURL: "https://www.reuters.com/markets/rss", Enabled: true},
		{ID: "bloomberg_markets", Publisher: "Bloomberg", FeedName: "Markets", Category: "A",
			RSSURL: "https://www.bloomberg.com/feeds/markets.xml", Enabled: true},
		{ID: "ft_markets", Publisher: "Financial Times", FeedName: "Markets", Category: "A",
			RSSURL: "https://www.ft.com/markets?format=rss", Enabled: true},
		{ID: "wsj_markets", Publisher: "WSJ", FeedName: "Markets", Category: "A",
			RSSURL: "https://feeds.a.dj.com/rss/RSSMarketsMain.xml", Enabled: true},

		{ID: "bloomberg_opinion", Publisher: "Bloomberg", FeedName: "Opinion", Category: "B",
			RSSURL: "https://www.bloomberg.com/feeds/opinion.xml", Enabled: true},
		{ID: "ft_alphaville", Publisher: "Financial Times", FeedName: "Alphaville", Category: "B",
			RSSURL: "https://www.ft.com/alphaville?format=rss", Enabled: true},
		{ID: "ft_opinion", Publisher: "Financial Times", FeedName: "Opinion", Category: "B",
			RSSURL: "https://www.ft.com/opinion?format=rss", Enabled: true},
		{ID: "economist_finance", Publisher: "The Economist", FeedName: "Finance & Economics", Category: "B",
			RSSURL: "https://www.economist.com/finance-and-economics/rss.xml", Enabled: true},

		{ID: "nyfed_liberty", Publisher: "NY Fed", FeedName: "Liberty Street Economics", Category: "C",
			RSSURL: "https://libertystreeteconomics.newyorkfed.org/feed/", Enabled: true},
		{ID: "stlouisfed_research", Publisher: "St. Louis Fed", FeedName: "Research/Publications", Category: "C",
			RSSURL: "https://research.stlouisfed.org/publications/rss.xml", Enabled: true},
		{ID: "bis_all", Publisher: "BIS", FeedName: "BIS RSS", Category: "C",
			RSSURL: "https://www.bis.org/rss/bis.xml", Enabled: true},
		{ID: "imf_blogs", Publisher: "IMF", FeedName: "Blogs", Category: "C",
			RSSURL: "https://www.imf.org/en/Blogs/rss", Enabled: true},

		{ID: "aqr_insights", Publisher: "AQR", FeedName: "Insights", Category: "D",
			RSSURL: "https://www.aqr.com/Insights/RSS", Enabled: true},
		{ID: "bridgewater_insights", Publisher: "Bridgewater", FeedName: "Research & Insights", Category: "D",
			RSSURL: "https://www.bridgewater.com/research-and-insights/rss.xml", Enabled: true},
		{ID: "blackrock_insights", Publisher: "BlackRock", FeedName: "Investment Insights", Category: "D",
			RSSURL: "https://www.blackrock.com/us/individual/insights/rss", Enabled: true},
	}
}

type catalogFile struct {
	Sources []catalogSource `yaml:"sources"`
}

type catalogSource struct {
	ID          string `yaml:"source_id"`
	Publisher   string `yaml:"publisher"`
	FeedName    string `yaml:"feed_name"`
	Category    string `yaml:"category"`
	RSSURL      string `yaml:"rss_url"`
	CadenceHint string `yaml:"cadence_hint"`
	Enabled     *bool  `yaml:"enabled"`
}

// LoadCatalog reads a YAML source catalog. A missing file yields the
// defaults; a present file replaces the catalog wholesale. Sources missing
// an id or URL are rejected rather than silently dropped.
func LoadCatalog(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSources(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(cf.Sources) == 0 {
		return nil, fmt.Errorf("catalog: %s declares no sources", path)
	}

	out := make([]store.Source, 0, len(cf.Sources))
	for i, cs := range cf.Sources {
		if cs.ID == "" || cs.RSSURL == "" {
			return nil, fmt.Errorf("catalog: %s: source %d missing source_id or rss_url", path, i)
		}
		enabled := true
		if cs.Enabled != nil {
			enabled = *cs.Enabled
		}
		out = append(out, store.Source{
			ID:          cs.ID,
			Publisher:   cs.Publisher,
			FeedName:    cs.FeedName,
			Category:    cs.Category,
			RSSURL:      cs.RSSURL,
			CadenceHint: cs.CadenceHint,
			Enabled:     enabled,
		})
	}
	return out, nil
}

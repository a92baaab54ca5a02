package providers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/models"
)

const ddgEndpoint = "https://api.duckduckgo.com/"

// DuckDuckGo queries the keyless DuckDuckGo Instant Answer API. It is one
// of the always-on fallback providers available to every tier.
type DuckDuckGo struct {
	client *http.Client
	logger *zap.Logger
}

func NewDuckDuckGo(timeout time.Duration, logger *zap.Logger) *DuckDuckGo {
	return &DuckDuckGo{client: newHTTPClient(timeout), logger: logger}
}

func (d *DuckDuckGo) Name() string          { return "duckduckgo" }
func (d *DuckDuckGo) Priority() int         { return 3 }
func (d *DuckDuckGo) RequiresPremium() bool { return false }

func (d *DuckDuckGo) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ddgEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(d.Name(), KindMalformed, err)
	}

	var body struct {
		Heading       string `json:"Heading"`
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := doJSON(d.client, d.Name(), req, &body); err != nil {
		logQueryResult(d.logger, d.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	var results []models.RawResult
	if body.AbstractURL != "" && body.AbstractText != "" {
		results = append(results, models.RawResult{
			Provider:  d.Name(),
			Title:     body.Heading,
			URL:       body.AbstractURL,
			Snippet:   body.AbstractText,
			Relevance: relevanceDDG,
			FetchedAt: now,
		})
	}
	for _, topic := range body.RelatedTopics {
		if len(results) >= limit {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		results = append(results, models.RawResult{
			Provider:  d.Name(),
			Title:     topic.Text,
			URL:       topic.FirstURL,
			Snippet:   topic.Text,
			Relevance: relevanceDDG,
			FetchedAt: now,
		})
	}
	logQueryResult(d.logger, d.Name(), len(results), nil)
	return results, nil
}

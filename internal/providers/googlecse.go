package providers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/models"
)

const googleCSEEndpoint = "https://www.googleapis.com/customsearch/v1"

// GoogleCSE queries the Google Custom Search Engine API. Premium tiers only.
type GoogleCSE struct {
	apiKey string
	cx     string
	client *http.Client
	logger *zap.Logger
}

func NewGoogleCSE(apiKey, cx string, timeout time.Duration, logger *zap.Logger) *GoogleCSE {
	return &GoogleCSE{apiKey: apiKey, cx: cx, client: newHTTPClient(timeout), logger: logger}
}

func (g *GoogleCSE) Name() string          { return "google_cse" }
func (g *GoogleCSE) Priority() int         { return 1 }
func (g *GoogleCSE) RequiresPremium() bool { return true }

func (g *GoogleCSE) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	if g.apiKey == "" || g.cx == "" {
		err := NewError(g.Name(), KindQuota, errMissingKey)
		logQueryResult(g.logger, g.Name(), 0, err)
		return nil, err
	}

	q := url.Values{}
	q.Set("q", text)
	q.Set("num", strconv.Itoa(min(limit, 10))) // CSE caps page size at 10
	q.Set("key", g.apiKey)
	q.Set("cx", g.cx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleCSEEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(g.Name(), KindMalformed, err)
	}

	var body struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := doJSON(g.client, g.Name(), req, &body); err != nil {
		logQueryResult(g.logger, g.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	results := make([]models.RawResult, 0, len(body.Items))
	for i, item := range body.Items {
		if i >= limit {
			break
		}
		results = append(results, models.RawResult{
			Provider:  g.Name(),
			Title:     item.Title,
			URL:       item.Link,
			Snippet:   item.Snippet,
			Relevance: relevanceGoogleCSE,
			FetchedAt: now,
		})
	}
	logQueryResult(g.logger, g.Name(), len(results), nil)
	return results, nil
}

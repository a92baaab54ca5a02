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

const serpAPIEndpoint = "https://serpapi.com/search"

// SerpAPI queries Google results through SerpAPI. Premium tiers only.
type SerpAPI struct {
	apiKey string
	client *http.Client
	logger *zap.Logger
}

func NewSerpAPI(apiKey string, timeout time.Duration, logger *zap.Logger) *SerpAPI {
	return &SerpAPI{apiKey: apiKey, client: newHTTPClient(timeout), logger: logger}
}

func (s *SerpAPI) Name() string          { return "serpapi" }
func (s *SerpAPI) Priority() int         { return 0 }
func (s *SerpAPI) RequiresPremium() bool { return true }

func (s *SerpAPI) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	if s.apiKey == "" {
		err := NewError(s.Name(), KindQuota, errMissingKey)
		logQueryResult(s.logger, s.Name(), 0, err)
		return nil, err
	}

	q := url.Values{}
	q.Set("q", text)
	q.Set("num", strconv.Itoa(limit))
	q.Set("engine", "google")
	q.Set("api_key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serpAPIEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(s.Name(), KindMalformed, err)
	}

	var body struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic_results"`
	}
	if err := doJSON(s.client, s.Name(), req, &body); err != nil {
		logQueryResult(s.logger, s.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	results := make([]models.RawResult, 0, len(body.OrganicResults))
	for i, item := range body.OrganicResults {
		if i >= limit {
			break
		}
		results = append(results, models.RawResult{
			Provider:    s.Name(),
			Title:       item.Title,
			URL:         item.Link,
			Snippet:     item.Snippet,
			PublishedAt: item.Date,
			Relevance:   relevanceSerpAPI,
			FetchedAt:   now,
		})
	}
	logQueryResult(s.logger, s.Name(), len(results), nil)
	return results, nil
}

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

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API. Free quota, always-on for every tier
// when a key is configured.
type Brave struct {
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewBrave returns a Brave provider. An empty key yields a provider that
// reports quota errors, letting the fan-out demote it.
func NewBrave(apiKey string, timeout time.Duration, logger *zap.Logger) *Brave {
	return &Brave{apiKey: apiKey, client: newHTTPClient(timeout), logger: logger}
}

func (b *Brave) Name() string          { return "brave" }
func (b *Brave) Priority() int         { return 1 }
func (b *Brave) RequiresPremium() bool { return false }

func (b *Brave) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	if b.apiKey == "" {
		err := NewError(b.Name(), KindQuota, errMissingKey)
		logQueryResult(b.logger, b.Name(), 0, err)
		return nil, err
	}

	q := url.Values{}
	q.Set("q", text)
	q.Set("count", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(b.Name(), KindMalformed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := doJSON(b.client, b.Name(), req, &body); err != nil {
		logQueryResult(b.logger, b.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	results := make([]models.RawResult, 0, len(body.Web.Results))
	for i, item := range body.Web.Results {
		if i >= limit {
			break
		}
		results = append(results, models.RawResult{
			Provider:    b.Name(),
			Title:       item.Title,
			URL:         item.URL,
			Snippet:     item.Description,
			PublishedAt: item.Age,
			Relevance:   relevanceBrave,
			FetchedAt:   now,
		})
	}
	logQueryResult(b.logger, b.Name(), len(results), nil)
	return results, nil
}

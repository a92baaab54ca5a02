package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/models"
)

const exaEndpoint = "https://api.exa.ai/search"

// Exa queries the Exa neural search API.
type Exa struct {
	apiKey string
	client *http.Client
	logger *zap.Logger
}

func NewExa(apiKey string, timeout time.Duration, logger *zap.Logger) *Exa {
	return &Exa{apiKey: apiKey, client: newHTTPClient(timeout), logger: logger}
}

func (e *Exa) Name() string          { return "exa" }
func (e *Exa) Priority() int         { return 2 }
func (e *Exa) RequiresPremium() bool { return false }

func (e *Exa) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	if e.apiKey == "" {
		err := NewError(e.Name(), KindQuota, errMissingKey)
		logQueryResult(e.logger, e.Name(), 0, err)
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"query":      text,
		"numResults": limit,
		"type":       "auto",
		"contents":   map[string]bool{"text": true},
	})
	if err != nil {
		return nil, NewError(e.Name(), KindMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exaEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(e.Name(), KindMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	var body struct {
		Results []struct {
			Title         string  `json:"title"`
			URL           string  `json:"url"`
			Text          string  `json:"text"`
			PublishedDate string  `json:"publishedDate"`
			Score         float64 `json:"score"`
		} `json:"results"`
	}
	if err := doJSON(e.client, e.Name(), req, &body); err != nil {
		logQueryResult(e.logger, e.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	results := make([]models.RawResult, 0, len(body.Results))
	for i, item := range body.Results {
		if i >= limit {
			break
		}
		snippet := item.Text
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		relevance := item.Score
		if relevance == 0 {
			relevance = relevanceExa
		}
		results = append(results, models.RawResult{
			Provider:    e.Name(),
			Title:       item.Title,
			URL:         item.URL,
			Snippet:     snippet,
			PublishedAt: item.PublishedDate,
			Relevance:   relevance,
			FetchedAt:   now,
		})
	}
	logQueryResult(e.logger, e.Name(), len(results), nil)
	return results, nil
}

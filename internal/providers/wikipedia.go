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

const wikipediaEndpoint = "https://en.wikipedia.org/w/api.php"

// Wikipedia queries the MediaWiki search API. Keyless, always-on.
type Wikipedia struct {
	client *http.Client
	logger *zap.Logger
}

func NewWikipedia(timeout time.Duration, logger *zap.Logger) *Wikipedia {
	return &Wikipedia{client: newHTTPClient(timeout), logger: logger}
}

func (w *Wikipedia) Name() string          { return "wikipedia" }
func (w *Wikipedia) Priority() int         { return 4 }
func (w *Wikipedia) RequiresPremium() bool { return false }

func (w *Wikipedia) Query(ctx context.Context, text string, limit int) ([]models.RawResult, error) {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("list", "search")
	q.Set("srsearch", text)
	q.Set("srlimit", strconv.Itoa(min(limit, 5)))
	q.Set("format", "json")
	q.Set("utf8", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wikipediaEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(w.Name(), KindMalformed, err)
	}
	req.Header.Set("User-Agent", "meridian-research/1.0")

	var body struct {
		Query struct {
			Search []struct {
				Title     string `json:"title"`
				Snippet   string `json:"snippet"`
				Timestamp string `json:"timestamp"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := doJSON(w.client, w.Name(), req, &body); err != nil {
		logQueryResult(w.logger, w.Name(), 0, err)
		return nil, err
	}

	now := time.Now()
	results := make([]models.RawResult, 0, len(body.Query.Search))
	for _, item := range body.Query.Search {
		results = append(results, models.RawResult{
			Provider:    w.Name(),
			Title:       item.Title,
			URL:         "https://en.wikipedia.org/wiki/" + url.PathEscape(item.Title),
			Snippet:     stripHTMLTags(item.Snippet),
			PublishedAt: item.Timestamp,
			Relevance:   relevanceWikipedia,
			FetchedAt:   now,
		})
	}
	logQueryResult(w.logger, w.Name(), len(results), nil)
	return results, nil
}

// stripHTMLTags removes the <span> highlighting MediaWiki embeds in snippets.
func stripHTMLTags(s string) string {
	out := make([]rune, 0, len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out = append(out, r)
		}
	}
	return string(out)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

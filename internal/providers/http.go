package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/metrics"
	"github.com/meridian-research/meridian/internal/tracing"
)

const defaultHTTPTimeout = 10 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// doJSON executes the request and decodes the body into out, classifying
// failures into the provider error taxonomy.
func doJSON(client *http.Client, provider string, req *http.Request, out interface{}) error {
	ctx, span := tracing.StartHTTPSpan(req.Context(), req.Method, req.URL.String())
	defer span.End()
	req = req.WithContext(ctx)
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := client.Do(req)
	metrics.ProviderLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		return classifyTransportError(provider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusForbidden:
		return NewError(provider, KindQuota, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return NewError(provider, KindMalformed, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(provider, KindMalformed, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyTransportError(provider string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(provider, KindTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(provider, KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(provider, KindTimeout, err)
	}
	// Connection refused and friends behave like an unreachable provider.
	return NewError(provider, KindTimeout, err)
}

func logQueryResult(logger *zap.Logger, provider string, count int, err error) {
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(provider, "error").Inc()
		if pe, ok := AsError(err); ok {
			metrics.ProviderErrors.WithLabelValues(provider, string(pe.Kind)).Inc()
		}
		logger.Warn("Provider query failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return
	}
	metrics.ProviderRequests.WithLabelValues(provider, "ok").Inc()
	logger.Debug("Provider query completed",
		zap.String("provider", provider),
		zap.Int("results", count),
	)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/query", r.URL.Path)
		require.Equal(t, "query_expander", r.Header.Get("X-Agent-ID"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "expand this", req["query"])
		assert.Equal(t, "small", req["model_tier"])

		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"response":   "sub-topic one\nsub-topic two",
			"model_used": "test-model",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	out, err := c.Generate(context.Background(), "expand this", Constraints{
		Agent: "query_expander",
		Tier:  "small",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-topic one\nsub-topic two", out)
}

func TestClientGenerateServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "model overloaded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	_, err := c.Generate(context.Background(), "p", Constraints{Agent: "report_writer"})

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "report_writer", genErr.Agent)
	assert.Contains(t, genErr.Error(), "model overloaded")
}

func TestClientGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	_, err := c.Generate(context.Background(), "p", Constraints{Agent: "fact_verifier"})

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
}

type scriptedGenerator struct {
	outputs []string
	errs    []error
	prompts []string
}

func (s *scriptedGenerator) Generate(_ context.Context, prompt string, _ Constraints) (string, error) {
	s.prompts = append(s.prompts, prompt)
	i := len(s.prompts) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.outputs) {
		return s.outputs[i], nil
	}
	return "", errors.New("unscripted call")
}

func TestGenerateWithRetryFirstAttemptSucceeds(t *testing.T) {
	g := &scriptedGenerator{outputs: []string{"ok"}}

	out, err := GenerateWithRetry(context.Background(), g, "full", "simple", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"full"}, g.prompts)
}

func TestGenerateWithRetrySimplifiedPrompt(t *testing.T) {
	g := &scriptedGenerator{
		errs:    []error{&GenerationError{Agent: "a", Err: errors.New("boom")}, nil},
		outputs: []string{"", "recovered"},
	}

	out, err := GenerateWithRetry(context.Background(), g, "full", "simple", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, []string{"full", "simple"}, g.prompts)
}

func TestGenerateWithRetryBothFail(t *testing.T) {
	failure := &GenerationError{Agent: "a", Err: errors.New("down")}
	g := &scriptedGenerator{errs: []error{failure, failure}}

	_, err := GenerateWithRetry(context.Background(), g, "full", "simple", Constraints{})
	require.Error(t, err)
	assert.Len(t, g.prompts, 2)
}

func TestGenerateWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failure := &GenerationError{Agent: "a", Err: context.Canceled}
	g := &scriptedGenerator{errs: []error{failure}}
	cancel()

	_, err := GenerateWithRetry(ctx, g, "full", "simple", Constraints{})
	require.Error(t, err)
	assert.Len(t, g.prompts, 1, "no retry after cancellation")
}

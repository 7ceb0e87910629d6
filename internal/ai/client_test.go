package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(models.AIConfig{
		Endpoint:   srv.URL,
		APIKey:     "secret-key",
		Model:      "gpt-test",
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	}, nil, utils.NewNopLogger())
	c.retryDelay = 5 * time.Millisecond
	return c
}

func TestSummarizeChatCompletion(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"resumo\":\"ok\"}"}}]}`))
	}, 0)

	out, err := c.Summarize(context.Background(), []byte(`{"target":"https://example.com"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"resumo":"ok"}`, string(out))

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, SystemPrompt, got.Messages[0].Content)
	assert.Equal(t, `{"target":"https://example.com"}`, got.Messages[1].Content)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestSummarizePlainBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resumo":"direto"}`))
	}, 0)

	out, err := c.Summarize(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{"resumo":"direto"}`, string(out))
}

func TestSummarizeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"resumo":"ok"}`))
	}, 2)

	_, err := c.Summarize(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSummarizeGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, 1)

	_, err := c.Summarize(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "429")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSummarizeClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}, 3)

	_, err := c.Summarize(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSummarizeHonoursContext(t *testing.T) {
	done := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}, 0)
	// Runs before the server's Close so a handler still parked here is let go.
	t.Cleanup(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Summarize(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSummarizeNotConfigured(t *testing.T) {
	c := NewClient(models.AIConfig{}, nil, nil)
	_, err := c.Summarize(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

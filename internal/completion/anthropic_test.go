package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WithoutKey(t *testing.T) {
	c, err := New(Options{})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestComplete_ReturnsTextAndCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req apiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "hello", req.Messages[0].Content)
		}

		w.Write([]byte(`{
			"content": [{"type": "text", "text": "hi there"}],
			"usage": {"input_tokens": 1000, "output_tokens": 200}
		}`))
	}))
	defer srv.Close()

	c, err := New(Options{
		APIKey:            "test-key",
		Model:             "test-model",
		Endpoint:          srv.URL,
		InputCostPerMTok:  3,
		OutputCostPerMTok: 15,
	})
	require.NoError(t, err)

	res, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Text)
	// 1000*3/1e6 + 200*15/1e6
	assert.InDelta(t, 0.006, res.Cost, 1e-9)
}

func TestComplete_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestComplete_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": []}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hello")
	assert.Error(t, err)
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "k", Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hello")
	assert.Error(t, err)
}

func TestComplete_CancelledWhileWaitingForLimiter(t *testing.T) {
	c, err := New(Options{APIKey: "k", Endpoint: "http://127.0.0.1:0", RequestsPerMinute: 1})
	require.NoError(t, err)
	// drain the single burst token
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Complete(ctx, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestParseJSON(t *testing.T) {
	var out struct {
		Trends []string `json:"trends"`
	}

	require.NoError(t, ParseJSON("```json\n{\"trends\": [\"a\"]}\n```", &out))
	assert.Equal(t, []string{"a"}, out.Trends)

	require.NoError(t, ParseJSON(`  {"trends": ["b"]}  `, &out))
	assert.Equal(t, []string{"b"}, out.Trends)

	assert.Error(t, ParseJSON("not json", &out))
}

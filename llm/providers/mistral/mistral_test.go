package mistral

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL)
	c.HTTP = srv.Client()
	return c
}

func TestProbe_OKStatusReturnsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result := c.Probe(context.Background(), &types.Key{Secret: "sk-test"})
	assert.False(t, result.Disable)
	assert.NoError(t, result.ProbeErr)
}

func TestProbe_UnauthorizedDisablesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result := c.Probe(context.Background(), &types.Key{Secret: "sk-bad"})
	assert.True(t, result.Disable)
	assert.Equal(t, types.DisableRevoked, result.Reason)
}

func TestProbe_TooManyRequestsSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result := c.Probe(context.Background(), &types.Key{Secret: "sk-test"})
	assert.Equal(t, 30*time.Second, result.RetryIn)
}

func TestInvoke_PostsChatCompletionsWithNormalizedBody(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc := &types.RequestContext{Key: &types.Key{Secret: "sk-test"}}
	req := &types.ChatRequest{
		Model:    "mistral-large-latest",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}
	status, _, _, err := c.Invoke(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

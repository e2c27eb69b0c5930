package googleai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func TestInvoke_RequiresSignedRequest(t *testing.T) {
	c := New()
	_, _, _, err := c.Invoke(context.Background(), &types.RequestContext{}, &types.ChatRequest{})
	require.Error(t, err)
}

func TestInvoke_ForwardsSignedRequestVerbatim(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := New()
	c.HTTP = srv.Client()
	rc := &types.RequestContext{
		SignedRequest: &types.SignedRequest{
			Method:   http.MethodPost,
			Protocol: "http",
			Hostname: srv.Listener.Addr().String(),
			Path:     "/v1beta/models/gemini-1.5-flash:generateContent?key=sk-test",
			Body:     []byte(`{}`),
		},
	}
	status, _, body, err := c.Invoke(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "candidates")
	assert.Equal(t, "key=sk-test", gotQuery)
}

package aws

import (
	"context"
	"encoding/json"
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
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"completion":"hi"}`))
	}))
	defer srv.Close()

	c := New()
	c.HTTP = srv.Client()
	rc := &types.RequestContext{
		SignedRequest: &types.SignedRequest{
			Method:   http.MethodPost,
			Protocol: "http",
			Hostname: srv.Listener.Addr().String(),
			Path:     "/model/anthropic.claude-3-haiku-20240307-v1%3A0/invoke",
			Headers:  map[string]string{"Authorization": "AWS4-HMAC-SHA256 ..."},
			Body:     []byte(`{}`),
		},
	}
	status, _, body, err := c.Invoke(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "completion")
	assert.Equal(t, "AWS4-HMAC-SHA256 ...", gotAuth)
}

func TestDialectProbeBody_BuildsAnthropicChatShapeWithOneTokenCanary(t *testing.T) {
	body, err := dialectProbeBody()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.EqualValues(t, 1, decoded["max_tokens"])
	assert.Equal(t, probeModelID, decoded["model"])
}

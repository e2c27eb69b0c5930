package openai

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

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL)
	c.HTTP = srv.Client()
	return c
}

func TestInvoke_DefaultsToChatCompletionsPath(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc := &types.RequestContext{Key: &types.Key{Secret: "sk-test"}}
	req := &types.ChatRequest{Model: "gpt-4o", Messages: []types.Message{types.NewUserMessage("hi")}}
	status, _, _, err := c.Invoke(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o", gotBody["model"])
}

func TestInvoke_RoutesTextAndImageFormatsToTheirEndpoints(t *testing.T) {
	cases := []struct {
		format types.APIFormat
		path   string
	}{
		{types.FormatOpenAIText, "/v1/completions"},
		{types.FormatOpenAIImage, "/v1/images/generations"},
	}
	for _, tc := range cases {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		c := newTestClient(srv)
		rc := &types.RequestContext{Key: &types.Key{Secret: "sk-test"}, OutboundAPI: tc.format}
		_, _, _, err := c.Invoke(context.Background(), rc, &types.ChatRequest{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, tc.path, gotPath)
		srv.Close()
	}
}

func TestInvoke_AttachesOrganizationHeaderWhenSet(t *testing.T) {
	var gotOrg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg = r.Header.Get("OpenAI-Organization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc := &types.RequestContext{Key: &types.Key{
		Secret: "sk-test",
		OpenAI: types.OpenAIKeyFields{OrganizationID: "org-123"},
	}}
	_, _, _, err := c.Invoke(context.Background(), rc, &types.ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "org-123", gotOrg)
}

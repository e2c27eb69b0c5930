package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func TestDo_ForwardsHeadersAndReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, _, body, err := Do(context.Background(), srv.Client(), http.MethodPost, srv.URL, map[string]string{
		"Authorization": "Bearer secret",
	}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDo_NeverErrsOnNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	status, _, body, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(body), "bad key")
}

func TestDo_WrapsTransportFailureAsNetworkError(t *testing.T) {
	_, _, _, err := Do(context.Background(), http.DefaultClient, http.MethodGet, "http://127.0.0.1:0", nil, nil)
	require.Error(t, err)
}

func TestDoSigned_BuildsURLFromSignedRequestParts(t *testing.T) {
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Signed")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	sr := &types.SignedRequest{
		Method:   http.MethodPost,
		Protocol: "http",
		Hostname: host,
		Path:     "/v1/messages",
		Headers:  map[string]string{"X-Signed": "yes"},
		Body:     []byte(`{}`),
	}
	status, _, _, err := DoSigned(context.Background(), srv.Client(), sr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "yes", gotHeader)
}

func TestRegistry_InvokeDispatchesByService(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(types.ServiceOpenAI, invokerFunc(func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
		called = true
		return http.StatusOK, nil, nil, nil
	}))

	rc := &types.RequestContext{Service: types.ServiceOpenAI}
	status, _, _, err := reg.Invoke(context.Background(), rc, &types.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, called)
}

func TestRegistry_InvokeUnregisteredServiceErrors(t *testing.T) {
	reg := NewRegistry()
	rc := &types.RequestContext{Service: types.ServiceAnthropic}
	_, _, _, err := reg.Invoke(context.Background(), rc, &types.ChatRequest{})
	require.Error(t, err)
}

type invokerFunc func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error)

func (f invokerFunc) Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
	return f(ctx, rc, req)
}

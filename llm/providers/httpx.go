package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/llm/retry"
	"github.com/relaymesh/llmgate/types"
)

// httpRetryer absorbs a transient transport failure — a dropped
// connection, a reset, a DNS blip — that a second attempt moments later
// would likely sail through. It never sees a non-2xx status, since Do
// only ever treats an actual failure to get a reply as an error; rate
// limits, auth failures and the rest of the status-driven retry/rotate
// logic is llm/response's job, once a reply has actually arrived.
var httpRetryer = retry.NewBackoffRetryer(&retry.RetryPolicy{
	MaxRetries:   2,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}, zap.NewNop())

type rawReply struct {
	status int
	header http.Header
	body   []byte
}

// Do issues an HTTP request built from its raw parts and returns the
// upstream's status code, headers, and fully-buffered body. It never
// treats a non-2xx status as an error — that classification belongs to
// llm/response, which needs the body regardless of status.
func Do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) (int, http.Header, []byte, error) {
	reply, err := retry.DoWithResultTyped(httpRetryer, ctx, func() (rawReply, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return rawReply{}, fmt.Errorf("providers: build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return rawReply{}, types.NetworkErr("upstream_unreachable", err)
		}
		defer resp.Body.Close()

		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			return rawReply{}, types.NetworkErr("upstream_read_failed", err)
		}
		return rawReply{status: resp.StatusCode, header: resp.Header, body: buf}, nil
	})
	if err != nil {
		return 0, nil, nil, err
	}
	return reply.status, reply.header, reply.body, nil
}

// DoSigned executes a *types.SignedRequest built by llm/signing: the AWS,
// Azure, and Google AI clients never construct the wire body or auth
// header themselves, since the preprocessor chain's signing stage already
// did it.
func DoSigned(ctx context.Context, client *http.Client, sr *types.SignedRequest) (int, http.Header, []byte, error) {
	url := sr.Protocol + "://" + sr.Hostname + sr.Path
	return Do(ctx, client, sr.Method, url, sr.Headers, sr.Body)
}

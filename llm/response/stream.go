package response

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/relaymesh/llmgate/llm/streaming"
	"github.com/relaymesh/llmgate/types"
)

// StreamForwarder copies an upstream SSE stream to the client byte-for-byte
// while parsing each event just far enough to accumulate the running
// completion text, so the caller can run countResponseTokens once the
// stream ends even though no single buffered body ever existed. The
// parsed deltas also feed an llm/streaming.BackpressureStream (DropPolicy
// pinned to DropPolicyBlock) as a secondary token stream; that stream
// never slows the client-facing copy, and no chunk the client is owed is
// ever dropped.
type StreamForwarder struct {
	stream  *streaming.BackpressureStream
	builder strings.Builder
	index   int
}

// NewStreamForwarder builds a forwarder; bufferSize is the number of
// in-flight Tokens buffered between the upstream reader and whatever
// drains ReadChan (a caller doing its own write loop may ignore ReadChan
// entirely and just use Forward).
func NewStreamForwarder(bufferSize int) *StreamForwarder {
	cfg := streaming.DefaultBackpressureConfig()
	cfg.DropPolicy = streaming.DropPolicyBlock
	if bufferSize > 0 {
		cfg.BufferSize = bufferSize
	}
	return &StreamForwarder{stream: streaming.NewBackpressureStream(cfg)}
}

// Forward reads SSE lines from body and writes them verbatim to w,
// flushing after each line, while accumulating delta text parsed per
// service's own streaming-chunk shape. It returns once body is exhausted,
// ctx is cancelled, or a write to w fails.
func (f *StreamForwarder) Forward(ctx context.Context, service types.Service, body io.Reader, w io.Writer, flush func()) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}

		payload, ok := ssePayload(line)
		if !ok || payload == "[DONE]" {
			continue
		}
		if delta, ok := parseStreamDelta(service, []byte(payload)); ok {
			f.builder.WriteString(delta)
			f.index++
			// The client-facing byte copy above has already happened by
			// this point; a consumer that never drains ReadChan only
			// backs up this secondary token stream: a delta is written to
			// it only while its buffer has room, so a full buffer never
			// blocks this loop and later deltas are simply not queued.
			if f.stream.BufferLevel() < 1 {
				_ = f.stream.Write(ctx, streaming.Token{
					Content:   delta,
					Index:     f.index,
					Timestamp: time.Now(),
				})
			}
		}
	}
	f.stream.Close()
	return scanner.Err()
}

// CompletionText returns every delta accumulated across calls to Forward.
func (f *StreamForwarder) CompletionText() string {
	return f.builder.String()
}

// ReadChan exposes the parsed-delta token stream for a secondary consumer
// (e.g. a transcript logger) independent of the verbatim byte copy Forward
// already wrote to the client.
func (f *StreamForwarder) ReadChan() <-chan streaming.Token {
	return f.stream.ReadChan()
}

func ssePayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	return payload, payload != ""
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type anthropicStreamChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	// Legacy text-completion streaming shape.
	Completion string `json:"completion"`
}

type awsStreamChunk struct {
	Bytes string `json:"bytes"`
}

type googleAIStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// parseStreamDelta extracts one chunk's incremental text, per provider:
//
//   - OpenAI/Azure/Mistral: choices[].delta.content
//   - Anthropic: content_block_delta.delta.text, or legacy completion
//   - AWS Bedrock: the chunk envelope's base64 "bytes" field, itself an
//     Anthropic-chat-shaped delta once decoded
//   - Google AI: candidates[].content.parts[].text
func parseStreamDelta(service types.Service, raw []byte) (string, bool) {
	switch service {
	case types.ServiceOpenAI, types.ServiceAzure, types.ServiceMistralAI:
		var c openAIStreamChunk
		if json.Unmarshal(raw, &c) != nil || len(c.Choices) == 0 {
			return "", false
		}
		return c.Choices[0].Delta.Content, true

	case types.ServiceAnthropic:
		var c anthropicStreamChunk
		if json.Unmarshal(raw, &c) != nil {
			return "", false
		}
		if c.Completion != "" {
			return c.Completion, true
		}
		if c.Type == "content_block_delta" && c.Delta.Text != "" {
			return c.Delta.Text, true
		}
		return "", false

	case types.ServiceAWS:
		var env awsStreamChunk
		if json.Unmarshal(raw, &env) != nil || env.Bytes == "" {
			return "", false
		}
		decoded, err := base64.StdEncoding.DecodeString(env.Bytes)
		if err != nil {
			return "", false
		}
		var c anthropicStreamChunk
		if json.Unmarshal(decoded, &c) != nil {
			return "", false
		}
		if c.Completion != "" {
			return c.Completion, true
		}
		return c.Delta.Text, c.Delta.Text != ""

	case types.ServiceGoogleAI:
		var c googleAIStreamChunk
		if json.Unmarshal(raw, &c) != nil || len(c.Candidates) == 0 || len(c.Candidates[0].Content.Parts) == 0 {
			return "", false
		}
		return c.Candidates[0].Content.Parts[0].Text, true

	default:
		return "", false
	}
}

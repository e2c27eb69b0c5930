package response

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relaymesh/llmgate/types"
)

// errorOutcome is what classifyUpstreamError decides for one non-2xx
// upstream reply: how the key pool should react, and what (if anything)
// gets surfaced to the client.
type errorOutcome struct {
	err              *types.Error
	disable          bool
	reason           types.DisableReason
	markRateLimited  bool
	retryable        bool
	requiresPreamble bool
}

// providerError is the {type, message, code} shape OpenAI and Anthropic
// both nest their error bodies in, just under different field names.
type providerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type openAIErrorBody struct {
	Error providerError `json:"error"`
}

type anthropicErrorBody struct {
	Type  string        `json:"type"`
	Error providerError `json:"error"`
}

type awsErrorBody struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// classifyUpstreamError implements the handleUpstreamErrors table:
// given a non-2xx upstream status, decide the key-pool action and whether
// the request should be silently retried.
func classifyUpstreamError(u *UpstreamResponse) errorOutcome {
	status := u.StatusCode
	service := u.RC.Service

	switch {
	case status == http.StatusBadRequest:
		if service == types.ServiceAnthropic && anthropicNeedsPreamble(u.Body) {
			return errorOutcome{
				err:              types.Validation("upstream requires a leading Human turn").WithProvider(string(service)),
				requiresPreamble: true,
			}
		}
		return errorOutcome{err: surfaceError(status, service, u.Body)}

	case status == http.StatusUnauthorized:
		return errorOutcome{
			err:     types.Auth("upstream rejected the credential").WithProvider(string(service)),
			disable: true,
			reason:  types.DisableRevoked,
		}

	case status == http.StatusForbidden:
		if service == types.ServiceAWS {
			switch awsErrorType(u.Header, u.Body) {
			case "UnrecognizedClientException", "AccessDeniedException":
				return errorOutcome{
					err:     types.Auth("AWS rejected the credential").WithProvider(string(service)),
					disable: true,
					reason:  types.DisableRevoked,
				}
			}
		}
		return errorOutcome{err: surfaceError(status, service, u.Body)}

	case status == http.StatusNotFound:
		return errorOutcome{err: surfaceError(status, service, u.Body)}

	case status == http.StatusTooManyRequests:
		return classifyRateLimit(service, u)

	default:
		return errorOutcome{err: surfaceError(status, service, u.Body)}
	}
}

func classifyRateLimit(service types.Service, u *UpstreamResponse) errorOutcome {
	switch service {
	case types.ServiceAnthropic:
		if anthropicErrorCode(u.Body) == "rate_limit_error" {
			return errorOutcome{
				err:             rateLimitedError(service),
				markRateLimited: true,
				retryable:       true,
			}
		}
	case types.ServiceAWS:
		if awsErrorType(u.Header, u.Body) == "ThrottlingException" {
			return errorOutcome{
				err:             rateLimitedError(service),
				markRateLimited: true,
				retryable:       true,
			}
		}
	case types.ServiceOpenAI:
		switch openAIErrorCode(u.Body) {
		case "requests", "tokens":
			return errorOutcome{
				err:             rateLimitedError(service),
				markRateLimited: true,
				retryable:       true,
			}
		case "insufficient_quota", "billing_not_active":
			return errorOutcome{
				err:     types.QuotaExceeded("upstream account is out of quota").WithProvider(string(service)),
				disable: true,
				reason:  types.DisableQuota,
			}
		case "access_terminated":
			return errorOutcome{
				err:     types.Auth("upstream account access was terminated").WithProvider(string(service)),
				disable: true,
				reason:  types.DisableRevoked,
			}
		}
	}
	return errorOutcome{err: surfaceError(http.StatusTooManyRequests, service, u.Body)}
}

func rateLimitedError(service types.Service) *types.Error {
	return types.NewError(types.ErrRetryable, "upstream rate limit hit").
		WithHTTPStatus(http.StatusTooManyRequests).WithProvider(string(service)).WithRetryable(true)
}

func surfaceError(status int, service types.Service, body []byte) *types.Error {
	msg := extractErrorMessage(service, body)
	if msg == "" {
		msg = "upstream returned an error"
	}
	return types.NewError(types.ErrUpstream, msg).WithHTTPStatus(status).WithProvider(string(service))
}

func extractErrorMessage(service types.Service, body []byte) string {
	switch service {
	case types.ServiceOpenAI, types.ServiceAzure, types.ServiceMistralAI:
		var b openAIErrorBody
		if json.Unmarshal(body, &b) == nil && b.Error.Message != "" {
			return b.Error.Message
		}
	case types.ServiceAnthropic, types.ServiceAWS:
		var b anthropicErrorBody
		if json.Unmarshal(body, &b) == nil && b.Error.Message != "" {
			return b.Error.Message
		}
		var aws awsErrorBody
		if json.Unmarshal(body, &aws) == nil && aws.Message != "" {
			return aws.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func anthropicErrorCode(body []byte) string {
	var b anthropicErrorBody
	if json.Unmarshal(body, &b) != nil {
		return ""
	}
	if b.Error.Type != "" {
		return b.Error.Type
	}
	return b.Type
}

func anthropicNeedsPreamble(body []byte) bool {
	msg := strings.ToLower(extractErrorMessage(types.ServiceAnthropic, body))
	return strings.Contains(msg, "prompt must start") && strings.Contains(msg, "human:")
}

func openAIErrorCode(body []byte) string {
	var b openAIErrorBody
	if json.Unmarshal(body, &b) != nil {
		return ""
	}
	if b.Error.Code != "" {
		return b.Error.Code
	}
	return b.Error.Type
}

// awsErrorType reads the Bedrock exception kind off either the
// x-amzn-ErrorType response header (the usual place the AWS JSON protocol
// puts it) or the body's "__type" field.
func awsErrorType(header http.Header, body []byte) string {
	if v := header.Get("X-Amzn-ErrorType"); v != "" {
		return strings.SplitN(v, ":", 2)[0]
	}
	var b awsErrorBody
	if json.Unmarshal(body, &b) == nil && b.Type != "" {
		parts := strings.Split(b.Type, "#")
		return parts[len(parts)-1]
	}
	return ""
}

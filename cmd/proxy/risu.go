package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// risuTokenHeader is the RisuAI-client concurrency-cap identity header:
// a per-installation token the client attaches to every request so the
// queue's MaxPerIdentifier cap can be enforced even for callers with no
// user_token.
const risuTokenHeader = "x-risu-tk"

// risuVerifyTTL bounds how long a verified (or rejected) token's outcome
// is trusted before signature verification runs again.
const risuVerifyTTL = 10 * time.Minute

// risuToken extracts the caller's concurrency-cap identity from the
// x-risu-tk header. With no RisuTokenSecret configured the raw header
// value is used as-is (opaque identity, no signature check). With a
// secret configured, the value is parsed as an HS256 JWT; an invalid
// signature is treated the same as a missing header (Identifier() then
// falls back to the client IP) rather than rejecting the request outright,
// since this header is an optimization, not an authentication boundary.
func (s *Server) risuToken(ctx context.Context, r *http.Request) string {
	raw := r.Header.Get(risuTokenHeader)
	if raw == "" {
		return ""
	}
	if s.cfg.Proxy.RisuTokenSecret == "" {
		return raw
	}

	cacheKey := "llmgate:risu:" + hashToken(raw)
	if s.cache != nil {
		var verified bool
		if err := s.cache.GetJSON(ctx, cacheKey, &verified); err == nil {
			s.metricsCollector.RecordCacheHit("risu_token")
			if verified {
				return raw
			}
			return ""
		}
		s.metricsCollector.RecordCacheMiss("risu_token")
	}

	valid := s.verifyRisuJWT(raw)
	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cacheKey, valid, risuVerifyTTL)
	}
	if !valid {
		s.logger.Debug("rejected x-risu-tk signature", zap.String("header", risuTokenHeader))
		return ""
	}
	return raw
}

func (s *Server) verifyRisuJWT(raw string) bool {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.Proxy.RisuTokenSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
)

// Actor and request metadata headers.
const (
	HeaderActorType      = "X-Actor-Type"
	HeaderActorID        = "X-Actor-Id"
	HeaderAuthScopes     = "X-Auth-Scopes"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderNowOverride    = "X-Now-Iso"
)

type requestContextKey string

const (
	ctxKeyActor       requestContextKey = "swapmesh.actor"
	ctxKeyScopes      requestContextKey = "swapmesh.scopes"
	ctxKeyIdemKey     requestContextKey = "swapmesh.idempotency_key"
	ctxKeyBearerToken requestContextKey = "swapmesh.bearer"
	ctxKeyNow         requestContextKey = "swapmesh.now"
)

// RequestContext extracts the caller identity and request metadata headers
// into the context. AllowNowOverride honors X-Now-Iso, used only by
// conformance and test deployments.
func RequestContext(allowNowOverride bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actorType := strings.TrimSpace(r.Header.Get(HeaderActorType))
			actorID := strings.TrimSpace(r.Header.Get(HeaderActorID))
			if actorType != "" && actorID != "" {
				ctx = context.WithValue(ctx, ctxKeyActor, types.ActorRef{Type: actorType, ID: actorID})
			}
			if raw := strings.TrimSpace(r.Header.Get(HeaderAuthScopes)); raw != "" {
				parts := strings.Split(raw, ",")
				scopes := make([]string, 0, len(parts))
				for _, p := range parts {
					if p = strings.TrimSpace(p); p != "" {
						scopes = append(scopes, p)
					}
				}
				ctx = context.WithValue(ctx, ctxKeyScopes, scopes)
			}
			if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
				ctx = context.WithValue(ctx, ctxKeyIdemKey, key)
			}
			if token := extractBearer(r.Header.Get("Authorization")); token != "" {
				ctx = context.WithValue(ctx, ctxKeyBearerToken, token)
			}
			if allowNowOverride {
				if raw := strings.TrimSpace(r.Header.Get(HeaderNowOverride)); raw != "" {
					if ts, err := time.Parse(time.RFC3339, raw); err == nil {
						ctx = context.WithValue(ctx, ctxKeyNow, ts.UTC())
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Actor returns the caller identity from the context.
func Actor(ctx context.Context) (types.ActorRef, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(types.ActorRef)
	return actor, ok
}

// Scopes returns the caller's granted scopes.
func Scopes(ctx context.Context) []string {
	scopes, _ := ctx.Value(ctxKeyScopes).([]string)
	return scopes
}

// IdempotencyKey returns the caller-supplied idempotency key, if any.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(ctxKeyIdemKey).(string)
	return key
}

// BearerToken returns the raw Authorization bearer token, if any.
func BearerToken(ctx context.Context) string {
	token, _ := ctx.Value(ctxKeyBearerToken).(string)
	return token
}

// NowOverride returns the test clock override, if present.
func NowOverride(ctx context.Context) (time.Time, bool) {
	ts, ok := ctx.Value(ctxKeyNow).(time.Time)
	return ts, ok
}

// RequireActor rejects requests without actor identification headers.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := Actor(r.Context()); !ok {
			WriteError(w, coreerr.Forbidden("actor identification headers required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScopes rejects requests whose granted scopes do not cover the
// required set.
func RequireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			granted := Scopes(r.Context())
			set := make(map[string]struct{}, len(granted))
			for _, scope := range granted {
				set[scope] = struct{}{}
			}
			for _, scope := range required {
				if _, ok := set[scope]; !ok {
					WriteError(w, coreerr.InsufficientScope("scope %s required", scope))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StatusForCode maps taxonomy codes to HTTP status codes.
func StatusForCode(code coreerr.Code) int {
	switch code {
	case coreerr.CodeValidation:
		return http.StatusBadRequest
	case coreerr.CodeNotFound:
		return http.StatusNotFound
	case coreerr.CodeForbidden, coreerr.CodeInsufficientScope, coreerr.CodeOperationNotPermitted:
		return http.StatusForbidden
	case coreerr.CodeIdempotencyConflict, coreerr.CodeConflict:
		return http.StatusConflict
	case coreerr.CodeExpired, coreerr.CodeExportCheckpointExpired:
		return http.StatusGone
	case coreerr.CodeExportChainBroken:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders the structured error body.
func WriteError(w http.ResponseWriter, err error) {
	typed, ok := coreerr.As(err)
	if !ok {
		typed = coreerr.Internal("%s", err.Error())
	}
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(typed.Code),
			"message": typed.Message,
		},
	}
	if len(typed.Details) > 0 {
		body["error"].(map[string]interface{})["details"] = typed.Details
	}
	WriteJSON(w, StatusForCode(typed.Code), body)
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

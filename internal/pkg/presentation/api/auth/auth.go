package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/jwtauth/v5"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

type scopeContextKey struct{ name string }

var scopeCtxKey = &scopeContextKey{"scopes"}

var tracer = otel.Tracer("road-monitor-map/authz")

type Scope string

const (
	ScopeRead    Scope = "map.read"
	ScopeWrite   Scope = "map.write"
	ScopeCommand Scope = "map.command"
)

type Enticator interface {
	RequireAccess(scopes ...Scope) func(http.Handler) http.Handler
}

type Option func(*impl)

// WithTokenVerifier makes the authenticator reject tokens that are not signed
// by ja before they are handed to the policy.
func WithTokenVerifier(ja *jwtauth.JWTAuth) Option {
	return func(a *impl) {
		a.verifier = ja
	}
}

type impl struct {
	query    rego.PreparedEvalQuery
	verifier *jwtauth.JWTAuth
}

func (a *impl) RequireAccess(scopes ...Scope) func(http.Handler) http.Handler {

	requested := make([]string, 0, len(scopes))
	for _, s := range scopes {
		requested = append(requested, string(s))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			logger := logging.GetLoggerFromContext(r.Context())

			ctx, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			// browsers cannot set headers on websocket and event stream requests
			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				token = jwtauth.TokenFromQuery(r)
			}

			if token == "" {
				err = errors.New("authorization header missing")
				logger.Info().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			if a.verifier != nil {
				if _, err = jwtauth.VerifyToken(a.verifier, token); err != nil {
					logger.Warn().Err(err).Msg("token verification failed")
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
			}

			input := map[string]any{
				"token":  token,
				"scopes": requested,
				"method": r.Method,
				"path":   r.URL.Path,
			}

			results, err := a.query.Eval(ctx, rego.EvalInput(input))
			if err != nil {
				logger.Error().Err(err).Msg("opa eval failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error().Err(err).Msg("auth failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			binding := results[0].Bindings["x"]

			// If authz fails we will get back a single bool. Check for that first.
			if allowed, ok := binding.(bool); ok {
				if !allowed {
					err = errors.New("authorization failed")
					logger.Warn().Msg(err.Error())
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}

				next.ServeHTTP(w, r.WithContext(WithScopes(r.Context(), scopes)))
				return
			}

			result, ok := binding.(map[string]any)
			if !ok {
				err = errors.New("unexpected result type")
				logger.Error().Err(err).Msg("opa error")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			anyScopes, ok := result["scopes"].([]any)
			if !ok {
				err = errors.New("bad response from authz policy engine")
				logger.Error().Err(err).Msg("opa error")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			granted := make([]Scope, 0, len(anyScopes))
			for _, s := range anyScopes {
				if scope, ok := s.(string); ok {
					granted = append(granted, Scope(scope))
				}
			}

			next.ServeHTTP(w, r.WithContext(WithScopes(r.Context(), granted)))
		})
	}
}

func NewAuthenticator(ctx context.Context, policies io.Reader, opts ...Option) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.roadmap.authz.allow"),
		rego.Module("roadmap.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	a := &impl{query: query}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// GrantedScopes returns the scopes the policy granted the current request.
func GrantedScopes(ctx context.Context) []Scope {
	scopes, ok := ctx.Value(scopeCtxKey).([]Scope)
	if !ok {
		return []Scope{}
	}
	return scopes
}

func WithScopes(ctx context.Context, scopes []Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey, scopes)
}

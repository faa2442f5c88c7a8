package server

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/cel-go/cel"

	"github.com/conduitmcp/conduit/mcp"
)

// Authorizer is the C13 port: turning a bearer token into an
// mcp.AuthContext. The core depends only on this interface; conduit
// ships one illustrative adapter (JWTAuthorizer) combining signature
// verification with an optional CEL policy expression evaluated against
// the token claims.
type Authorizer interface {
	Validate(ctx context.Context, token string) (*mcp.AuthContext, error)
}

// JWTAuthorizer validates HS256/RS256 bearer tokens via golang-jwt/jwt,
// then — if a policy expression was supplied — evaluates it with cel-go
// against the claim set to decide whether the token is accepted at all,
// beyond signature validity (e.g. "claims.env == 'prod' && 'admin' in
// claims.roles").
type JWTAuthorizer struct {
	keyFunc jwt.Keyfunc
	policy  cel.Program
}

// NewJWTAuthorizer builds an authorizer around keyFunc (the standard
// golang-jwt key-resolution callback, e.g. a fixed HMAC secret or a JWKS
// lookup) and an optional CEL policy expression over the claims map.
func NewJWTAuthorizer(keyFunc jwt.Keyfunc, policyExpr string) (*JWTAuthorizer, error) {
	a := &JWTAuthorizer{keyFunc: keyFunc}
	if policyExpr == "" {
		return a, nil
	}
	env, err := cel.NewEnv(cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	ast, issues := env.Compile(policyExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile authorization policy: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}
	a.policy = prg
	return a, nil
}

// Validate implements Authorizer.
func (a *JWTAuthorizer) Validate(ctx context.Context, token string) (*mcp.AuthContext, error) {
	parsed, err := jwt.Parse(token, a.keyFunc, jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil || !parsed.Valid {
		return nil, mcp.NewError(mcp.ErrKindUnauthorized, "invalid bearer token", nil)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, mcp.NewError(mcp.ErrKindUnauthorized, "unsupported claim set", nil)
	}

	if a.policy != nil {
		out, _, err := a.policy.Eval(map[string]any{"claims": map[string]any(claims)})
		if err != nil {
			return nil, mcp.Wrap(mcp.ErrKindUnauthorized, "authorization policy evaluation failed", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return nil, mcp.NewError(mcp.ErrKindUnauthorized, "authorization policy denied token", nil)
		}
	}

	subject, _ := claims["sub"].(string)
	audience, _ := claims["aud"].(string)
	var scopes []string
	if raw, ok := claims["scope"].(string); ok {
		scopes = splitScope(raw)
	}

	return &mcp.AuthContext{
		Subject:  subject,
		Audience: audience,
		Scopes:   scopes,
		Claims:   claims,
	}, nil
}

func splitScope(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

var _ Authorizer = (*JWTAuthorizer)(nil)

package util

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"github.com/conduitmcp/conduit/internal/log"
)

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ParseEnv interpolates ${VAR} references in input against the process
// environment, leaving unresolved references untouched.
func ParseEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value, found := os.LookupEnv(parts[1]); found {
			return value
		}
		return match
	})
}

type contextKey string

// NewStrictDecoderFromBytes builds a strict, validating YAML decoder
// directly over raw document bytes (e.g. a config file already read from
// disk and env-interpolated), rejecting unknown fields and running
// go-playground/validator tags on Decode.
func NewStrictDecoderFromBytes(data []byte) *yaml.Decoder {
	return yaml.NewDecoder(
		bytes.NewReader(data),
		yaml.Strict(),
		yaml.Validator(validator.New()),
	)
}

// loggerKey is the key used to store logger within context
const loggerKey contextKey = "logger"

// WithLogger adds a logger into the context as a value
func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retreives the logger or return an error
func LoggerFromContext(ctx context.Context) (log.Logger, error) {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger, nil
	}
	return nil, fmt.Errorf("unable to retrieve logger")
}

// ServerRequester lets a tool handler originate a server -> client request
// (sampling/createMessage, roots/list) against the session that is
// currently invoking it, without the registry package needing to import
// conduit/mcp/server.
type ServerRequester interface {
	RequestSampling(ctx context.Context, params []byte) ([]byte, error)
	RequestRoots(ctx context.Context) ([]byte, error)
}

// requesterKey is the key used to store a ServerRequester within context.
const requesterKey contextKey = "server-requester"

// WithServerRequester adds a ServerRequester into the context as a value.
func WithServerRequester(ctx context.Context, r ServerRequester) context.Context {
	return context.WithValue(ctx, requesterKey, r)
}

// ServerRequesterFromContext retrieves the ServerRequester or returns an
// error if the context was never decorated with one (e.g. a call that did
// not originate from a session with a push transport wired).
func ServerRequesterFromContext(ctx context.Context) (ServerRequester, error) {
	if r, ok := ctx.Value(requesterKey).(ServerRequester); ok {
		return r, nil
	}
	return nil, fmt.Errorf("unable to retrieve server requester")
}

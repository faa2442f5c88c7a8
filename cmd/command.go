// Package cmd implements the conduit CLI entrypoint: flag parsing,
// logger/telemetry construction, transport selection, and the run loop
// that serves until a termination signal arrives. Adapted from the
// teacher's cmd/root.go Command/Option shape and its signal-handling and
// config-watch patterns, generalized from a tools-file server onto an
// MCP session supervisor.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conduitmcp/conduit/internal/config"
	"github.com/conduitmcp/conduit/internal/log"
	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/internal/telemetry"
	"github.com/conduitmcp/conduit/mcp"
	"github.com/conduitmcp/conduit/mcp/server"
	"github.com/conduitmcp/conduit/mcp/stdio"
	"github.com/conduitmcp/conduit/mcp/streamhttp"
)

// Command wraps a cobra.Command with conduit's run state, the way the
// teacher's own root command wraps its tools-file/server configuration.
type Command struct {
	*cobra.Command

	configPath    string
	stdioMode     bool
	disableReload bool

	logger    log.Logger
	outStream io.Writer
	errStream io.Writer
}

// NewCommand builds the conduit root command.
func NewCommand(opts ...Option) *Command {
	c := &Command{
		outStream: os.Stdout,
		errStream: os.Stderr,
	}

	cmd := &cobra.Command{
		Use:           "conduit",
		Short:         "conduit serves the Model Context Protocol over STDIO or Streamable-HTTP",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(c)
		},
	}
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "conduit.yaml", "path to the configuration file")
	cmd.PersistentFlags().BoolVar(&c.stdioMode, "stdio", false, "serve over STDIO instead of HTTP")
	cmd.PersistentFlags().BoolVar(&c.disableReload, "disable-reload", false, "disable the config-file watcher")
	c.Command = cmd

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func run(c *Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if c.logger == nil {
		var logger log.Logger
		var err error
		if strings.EqualFold(cfg.LoggingFormat, "json") {
			logger, err = log.NewStructuredLogger(c.outStream, c.errStream, cfg.LogLevel, "")
		} else {
			logger, err = log.NewStdLogger(c.outStream, c.errStream, cfg.LogLevel)
		}
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		c.logger = logger
	}

	inst, shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:   "conduit",
		StdoutTraces:  true,
		StdoutMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			c.logger.WarnContext(ctx, "telemetry shutdown error", "error", err)
		}
	}()

	catalogue := registry.NewCatalogue()
	serverCaps := mcp.NewCapabilitySet(mcp.CapTools, mcp.CapPrompts, mcp.CapResources, mcp.CapLogging, mcp.CapCompletion)

	var persistence server.Persistence
	if cfg.Persistence.Enabled && cfg.Persistence.Adapter == "sqlite" {
		path := cfg.Persistence.Options["path"]
		if path == "" {
			path = "conduit-sessions.db"
		}
		sqlitePersistence, err := server.NewSQLitePersistence(ctx, path, cfg.SessionTTL())
		if err != nil {
			return fmt.Errorf("init sqlite persistence: %w", err)
		}
		defer sqlitePersistence.Close()
		persistence = sqlitePersistence
	}

	if c.stdioMode {
		return runStdio(ctx, c, cfg, catalogue, serverCaps, persistence)
	}
	return runHTTP(ctx, c, cfg, catalogue, serverCaps, persistence, inst)
}

func runStdio(ctx context.Context, c *Command, cfg *config.Config, catalogue *registry.Catalogue, caps mcp.CapabilitySet, persistence server.Persistence) error {
	transport := stdio.New(os.Stdin, c.outStream, c.logger)
	sup := server.NewSupervisor(transport, catalogue, c.logger, server.Config{
		ServerCapabilities:        caps,
		SessionTTL:                cfg.SessionTTL(),
		Persistence:               persistence,
		BackpressureHighWaterMark: cfg.BackpressureHighWaterMark,
		PaginationDefaultLimit:    cfg.PaginationDefaultLimit,
	})
	sup.Start(ctx)
	defer sup.Shutdown()

	sessionID, _ := sup.EnsureSession(ctx, "", true)
	transport.SetSink(sinkFunc(func(in mcp.Inbound) {
		in.SessionID = sessionID
		reply := sup.HandleMessage(ctx, sessionID, in.Message, in.Auth)
		if reply != nil {
			if data, err := mcp.Encode(*reply); err == nil {
				_ = transport.Send(ctx, sessionID, data)
			}
		}
	}))
	transport.Start(ctx)

	<-ctx.Done()
	return transport.Shutdown(context.Background())
}

// sinkFunc adapts a plain function to mcp.Sink.
type sinkFunc func(mcp.Inbound)

func (f sinkFunc) Deliver(in mcp.Inbound) { f(in) }

func runHTTP(ctx context.Context, c *Command, cfg *config.Config, catalogue *registry.Catalogue, caps mcp.CapabilitySet, persistence server.Persistence, inst *telemetry.Instrumentation) error {
	// The supervisor is built with no transport first since the
	// Streamable-HTTP transport (the push path for progress notifications
	// and server-initiated requests) needs the supervisor itself as its
	// SessionManager. SetTransport below closes the loop before Start
	// restores any persisted sessions, so restored sessions get a working
	// push path too.
	sup := server.NewSupervisor(nil, catalogue, c.logger, server.Config{
		ServerCapabilities:        caps,
		SessionTTL:                cfg.SessionTTL(),
		Persistence:               persistence,
		BackpressureHighWaterMark: cfg.BackpressureHighWaterMark,
		PaginationDefaultLimit:    cfg.PaginationDefaultLimit,
	})
	defer sup.Shutdown()

	var authValidate func(ctx context.Context, bearer string) (*mcp.AuthContext, error)
	var resourceMetadata *streamhttp.ProtectedResourceMetadata
	if cfg.Authorization.Validator == "jwt" {
		secret := os.Getenv(cfg.Authorization.JWTSecretEnv)
		keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }
		authorizer, err := server.NewJWTAuthorizer(keyFunc, cfg.Authorization.PolicyExpr)
		if err != nil {
			return fmt.Errorf("build jwt authorizer: %w", err)
		}
		authValidate = authorizer.Validate
		resourceMetadata = &streamhttp.ProtectedResourceMetadata{
			Resource:               cfg.Authorization.Audience,
			AuthorizationServers:   cfg.Authorization.AuthorizationServers,
			ScopesSupported:        cfg.Authorization.ScopesSupported,
			BearerMethodsSupported: []string{"header"},
		}
	}

	httpServer := streamhttp.NewServer("/mcp", sup, streamhttp.Config{
		SessionHeader:             cfg.SessionHeader,
		RequestTimeout:            cfg.RequestTimeout(),
		SSEKeepalive:              cfg.SSEKeepalive(),
		AuthHeaderValidate:        authValidate,
		Realm:                     cfg.Authorization.Realm,
		ProtectedResourceMetadata: resourceMetadata,
	}, c.logger)
	sup.SetTransport(httpServer)
	sup.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", httpServer)
	if inst != nil && inst.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(inst.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	if inst != nil {
		inst.ActiveSessions.Set(0)
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.InfoContext(ctx, "conduit listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if !c.disableReload {
		go watchConfig(ctx, c, cfg)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	}
}

// watchConfig mirrors the teacher's fsnotify-based debounced file watcher
// (cmd/root.go's watchChanges), narrowed to conduit's single config
// file: changes only trigger a log line today, since mutating a live
// supervisor's capability set mid-flight needs more care than a reload
// of a stateless tools catalogue.
func watchConfig(ctx context.Context, c *Command, cfg *config.Config) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.WarnContext(ctx, "config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(c.configPath); err != nil {
		c.logger.WarnContext(ctx, "failed to watch config file", "error", err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(100 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.WarnContext(ctx, "config watcher error", "error", err)
		case <-debounce.C:
			c.logger.InfoContext(ctx, "config file changed; reload not yet applied to the running supervisor")
		}
	}
}

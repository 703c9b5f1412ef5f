// Command dispatchd runs the request dispatch node: the HTTP endpoint,
// the routing engine, session management and cross-node proxying.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/auth/jwtauth"
	"github.com/harbormail/dispatch/cluster"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/directory/redisdir"
	"github.com/harbormail/dispatch/dispatch"
	"github.com/harbormail/dispatch/internal/logctx"
	"github.com/harbormail/dispatch/proxy"
	"github.com/harbormail/dispatch/serverhttp"
	"github.com/harbormail/dispatch/session"
	"github.com/harbormail/dispatch/session/redisfanout"
	"github.com/harbormail/dispatch/session/redispresence"
)

type flags struct {
	listenAddr   string
	servicePath  string
	topologyPath string
	nodeID       string
	jwksURI      string
	issuer       string
	hmacSecret   string
	csrfSecret   string
	useRedis     bool
	idleTimeout  time.Duration
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Collaboration dispatch node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.listenAddr, "listen", ":7070", "HTTP listen address")
	cmd.Flags().StringVar(&f.servicePath, "path", "/service/dispatch", "dispatch endpoint path")
	cmd.Flags().StringVar(&f.topologyPath, "topology", "", "cluster topology YAML (omit for standalone)")
	cmd.Flags().StringVar(&f.nodeID, "node-id", "node-1", "this node's id in standalone mode")
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "token issuer (enables OIDC discovery when no JWKS URI is given)")
	cmd.Flags().StringVar(&f.jwksURI, "jwks-uri", "", "JWKS endpoint for token validation")
	cmd.Flags().StringVar(&f.hmacSecret, "hmac-secret", "", "shared HS256 secret (testing only)")
	cmd.Flags().StringVar(&f.csrfSecret, "csrf-secret", "", "secret for csrf tokens on cookie credentials")
	cmd.Flags().BoolVar(&f.useRedis, "redis", false, "use Redis for directory cache and session presence")
	cmd.Flags().DurationVar(&f.idleTimeout, "session-idle-timeout", 30*time.Minute, "idle session expiry")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, f flags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(f.logLevel)
	slog.SetDefault(log)

	topo, err := loadTopology(f)
	if err != nil {
		return err
	}

	tokens, err := buildTokenSource(ctx, f)
	if err != nil {
		return err
	}

	signer := auth.NewProxySigner(0)
	if err := signer.GenerateKey("boot"); err != nil {
		return err
	}

	var dir directory.Directory = directory.NewMemory()
	if f.useRedis {
		cached, err := redisdir.NewFromEnv(dir)
		if err != nil {
			return fmt.Errorf("directory cache: %w", err)
		}
		defer cached.Close()
		dir = cached
	}

	sessOpts := []session.ManagerOption{
		session.WithLogger(log),
		session.WithIdleTimeout(f.idleTimeout),
	}
	if f.useRedis {
		presence, err := redispresence.NewFromEnv()
		if err != nil {
			return fmt.Errorf("session presence: %w", err)
		}
		defer presence.Close()
		sessOpts = append(sessOpts, session.WithPresence(presence))
	}
	sessions := session.NewManager(topo.LocalID, sessOpts...)
	defer sessions.Close(context.Background())

	cfg := dispatch.ConfigFromEnv()

	registry := dispatch.NewRegistry(log)
	if cfg.AllowListPath != "" {
		if err := registry.WatchAllowList(cfg.AllowListPath); err != nil {
			return fmt.Errorf("allow-list: %w", err)
		}
		defer registry.CloseWatch()
	}

	builder := dispatch.NewContextBuilder(tokens, signer, dir)
	checker := auth.NewMemoryChecker()
	caller := proxy.New(topo, log, proxy.Options{Retries: 2})

	engineOpts := []dispatch.EngineOption{
		dispatch.WithLogger(log),
		dispatch.WithRemoteCaller(caller),
		dispatch.WithProxySigner(signer),
		dispatch.WithValidator(auth.NewRevocationList()),
	}
	if f.csrfSecret != "" {
		engineOpts = append(engineOpts, dispatch.WithCSRFGuard(auth.NewCSRFGuard([]byte(f.csrfSecret))))
	}
	engine := dispatch.NewEngine(cfg, builder, registry, topo, sessions, dir, checker, engineOpts...)
	engine.RegisterBuiltins()

	if f.useRedis {
		fanout, err := redisfanout.NewFromEnv(topo.LocalID, log)
		if err != nil {
			return fmt.Errorf("change fanout: %w", err)
		}
		defer fanout.Close()
		go func() {
			if err := fanout.Run(ctx, engine.Publish); err != nil && ctx.Err() == nil {
				log.Error("change fanout stopped", "error", err)
			}
		}()
	}

	go sweepSessions(ctx, engine)

	handler := serverhttp.New(engine, log, f.servicePath)
	srv := &http.Server{
		Addr:              f.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("dispatchd listening", "addr", f.listenAddr, "node", topo.LocalID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}

func loadTopology(f flags) (*cluster.Topology, error) {
	if f.topologyPath == "" {
		return cluster.Single(f.nodeID), nil
	}
	return cluster.Load(f.topologyPath)
}

func buildTokenSource(ctx context.Context, f flags) (auth.TokenSource, error) {
	switch {
	case f.hmacSecret != "":
		cfg := jwtauth.DefaultConfig()
		cfg.Issuer = f.issuer
		return jwtauth.NewHMAC(cfg, []byte(f.hmacSecret))
	case f.jwksURI != "":
		cfg := jwtauth.DefaultConfig()
		cfg.Issuer = f.issuer
		return jwtauth.NewStatic(ctx, cfg, f.jwksURI)
	case f.issuer != "":
		cfg := jwtauth.DefaultConfig()
		cfg.Issuer = f.issuer
		return jwtauth.NewFromDiscovery(ctx, cfg)
	default:
		return nil, errors.New("one of --hmac-secret, --jwks-uri or --issuer is required")
	}
}

func sweepSessions(ctx context.Context, engine *dispatch.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.SweepSessions(ctx)
		}
	}
}

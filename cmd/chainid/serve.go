package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"chainid/config"
	gatewaycfg "chainid/gateway/config"
	"chainid/gateway/middleware"
	"chainid/gateway/notify"
	"chainid/gateway/routes"
)

const shutdownTimeout = 10 * time.Second

func runServeCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var gatewayPath, listen string
	var allowInsecure bool
	fs.StringVar(&gatewayPath, "gateway-config", "", "YAML gateway configuration replacing the [gateway] table")
	fs.StringVar(&listen, "listen", "", "override the gateway listen address")
	fs.BoolVar(&allowInsecure, "allow-insecure", false, "DEV ONLY: permit a plaintext listener off loopback")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	cfg, err := loadConfig(globals)
	if err != nil {
		return reportError(stderr, err)
	}
	gw := cfg.Gateway
	if gatewayPath != "" {
		loaded, err := gatewaycfg.Load(gatewayPath)
		if err != nil {
			return reportError(stderr, err)
		}
		gw = loaded
	}
	if listen != "" {
		gw.ListenAddress = strings.TrimSpace(listen)
	}
	if err := gw.Validate(); err != nil {
		return reportError(stderr, err)
	}
	if err := gw.RequireSecret(); err != nil {
		return reportError(stderr, err)
	}

	configDir := ""
	if gatewayPath != "" {
		configDir = filepath.Dir(gatewayPath)
	} else if globals.configPath != "" {
		configDir = filepath.Dir(globals.configPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, gw.Security)
	if err != nil {
		return reportError(stderr, err)
	}
	if tlsConfig == nil && !allowInsecure && !plaintextAllowed(cfg, gw.ListenAddress) {
		fmt.Fprintln(stderr, "Error: gateway TLS certificate and key are required off loopback; set gateway.security or pass --allow-insecure in dev")
		return 2
	}

	hub := notify.NewHub(gw.Notifications.BufferSize, gw.Notifications.WriteTimeout, nil,
		notify.WithAllowedOrigins(gw.CORS.AllowedOrigins))
	a, err := newApp(ctx, cfg, stderr, hub)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	handler, err := newGatewayHandler(a, gw, hub)
	if err != nil {
		return reportError(stderr, err)
	}
	server := &http.Server{
		Addr:         gw.ListenAddress,
		Handler:      handler,
		ReadTimeout:  gw.ReadTimeout,
		WriteTimeout: gw.WriteTimeout,
		IdleTimeout:  gw.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	ready := func(addr net.Addr) {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		fmt.Fprintf(stdout, "listening on %s://%s\n", scheme, addr)
	}
	if err := serveUntilDone(ctx, server, a.logger, ready); err != nil {
		return reportError(stderr, err)
	}
	return 0
}

// newGatewayHandler assembles the middleware chain and routes for a.
func newGatewayHandler(a *app, gw gatewaycfg.Config, hub *notify.Hub) (http.Handler, error) {
	logger := a.logger.With("component", "gateway")
	var obs *middleware.Observability
	if gw.Observability.Metrics {
		obs = middleware.NewObservability(gw.Observability, logger)
	}
	return routes.New(routes.Config{
		Session:       a.session,
		Notifications: hub,
		Authenticator: middleware.NewAuthenticator(gw.Auth, logger),
		RateLimiter:   middleware.NewRateLimiter(middleware.LimitsFromConfig(gw.RateLimits), logger),
		Observability: obs,
		CORS:          gw.CORS,
		Tracing:       gw.Observability.Tracing && a.cfg.Telemetry.Enabled,
		ServiceName:   gw.Observability.ServiceName,
	})
}

// serveUntilDone listens on server.Addr and blocks until ctx ends, then
// drains in-flight requests. ready is called once the listener is bound.
func serveUntilDone(ctx context.Context, server *http.Server, logger *slog.Logger, ready func(net.Addr)) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if server.TLSConfig != nil {
		listener = tls.NewListener(listener, server.TLSConfig)
	}
	if ready != nil {
		ready(listener.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func plaintextAllowed(cfg *config.Config, listen string) bool {
	env := strings.TrimSpace(cfg.Logging.Env)
	return env == "" || strings.EqualFold(env, "dev") || isLoopbackAddress(listen)
}

func buildTLSConfig(baseDir string, sec gatewaycfg.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("gateway tls cert and key must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

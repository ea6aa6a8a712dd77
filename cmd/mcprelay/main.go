package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	commoncfg "github.com/gaspardpetit/mcprelay/core/config"
	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/core/retry"
	"github.com/gaspardpetit/mcprelay/core/secret"
	"github.com/gaspardpetit/mcprelay/internal/config"
	"github.com/gaspardpetit/mcprelay/internal/dispatch"
	"github.com/gaspardpetit/mcprelay/internal/executor"
	"github.com/gaspardpetit/mcprelay/internal/inflight"
	"github.com/gaspardpetit/mcprelay/internal/lifecycle"
	"github.com/gaspardpetit/mcprelay/internal/metrics"
	"github.com/gaspardpetit/mcprelay/internal/registry"
	"github.com/gaspardpetit/mcprelay/internal/router"
	"github.com/gaspardpetit/mcprelay/internal/server"
	"github.com/gaspardpetit/mcprelay/internal/serverstate"
	"github.com/gaspardpetit/mcprelay/internal/session"
	"github.com/gaspardpetit/mcprelay/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcprelay version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcprelay version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		c, err := commoncfg.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		rdb = c
		defer func() { _ = rdb.Close() }()
		serverstate.UseStore(serverstate.NewRedisStore(ctx, rdb))
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}

	dsn := cfg.RegistryDSN
	if dsn == "" && cfg.RegistryBackend == registry.BackendRedis {
		dsn = cfg.RedisAddr
	}
	store, err := registry.Open(ctx, cfg.RegistryBackend, dsn)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("backend", cfg.RegistryBackend).Msg("open registry")
	}
	defer func() { _ = store.Close() }()
	reg := registry.WithRetry(store, retry.Default)
	logx.Log.Info().Str("backend", cfg.RegistryBackend).Str("dsn", secret.MaskURL(dsn)).Msg("registry open")

	var records session.RecordStore
	if cfg.SessionStore == config.SessionStoreRedis {
		records = session.NewRedisStore(rdb)
	}
	sessions := session.NewTable(records, cfg.ResumeWindow)

	exec := &executor.Mux{
		Process: executor.NewProcessExecutor(cfg.ExecutorMemoryLimitMB),
		HTTP:    executor.NewHTTPExecutor("mcprelay", version),
	}

	hub := transport.NewHub(transport.Options{
		QueueSize:      cfg.QueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat:      cfg.Heartbeat,
		OriginPatterns: originHosts(cfg.AllowedOrigins),
	})
	lc := lifecycle.New(reg, sessions, hub, lifecycle.Options{IdleTimeout: cfg.IdleTimeout})
	disp := dispatch.New(reg, sessions, exec, hub, lc, dispatch.Options{
		Timeout:              cfg.ExecutorTimeout,
		MaxInflight:          cfg.MaxInflightPerSession,
		ForwardNotifications: cfg.ForwardNotifications,
	})
	rt := router.New(lc, disp, hub)

	handler := server.New(cfg, lc, hub.Handler(rt))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int64("drainable_inflight", inflight.DrainableCount()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if inflight.DrainableWaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("drainable_inflight", inflight.DrainableCount()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("relay starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return lc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		lc.CloseAll(context.Background(), "relay shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		disp.Wait()
		return nil
	})

	serverstate.MarkReady()
	if err := g.Wait(); err != nil {
		logx.Log.Fatal().Err(err).Msg("relay stopped")
	}
	logx.Log.Info().Msg("relay stopped")
}

// originHosts turns allowed CORS origins into WebSocket origin host patterns.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

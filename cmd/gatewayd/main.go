package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/admission"
	"github.com/turnstream/turnstream-gateway/internal/broker"
	"github.com/turnstream/turnstream-gateway/internal/config"
	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/hooks"
	"github.com/turnstream/turnstream-gateway/internal/httpserver"
	"github.com/turnstream/turnstream-gateway/internal/ledger"
	ledgerasync "github.com/turnstream/turnstream-gateway/internal/ledger/async"
	ledgerpg "github.com/turnstream/turnstream-gateway/internal/ledger/postgres"
	ledgersql "github.com/turnstream/turnstream-gateway/internal/ledger/sqlite"
	"github.com/turnstream/turnstream-gateway/internal/logging"
	"github.com/turnstream/turnstream-gateway/internal/metrics"
	"github.com/turnstream/turnstream-gateway/internal/orchestrator"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
	upstreamanthropic "github.com/turnstream/turnstream-gateway/internal/upstream/anthropic"
	upstreamgemini "github.com/turnstream/turnstream-gateway/internal/upstream/gemini"
	"github.com/turnstream/turnstream-gateway/internal/upstream/loopback"
	upstreamopenai "github.com/turnstream/turnstream-gateway/internal/upstream/openai"
	"github.com/turnstream/turnstream-gateway/internal/version"
)

func main() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		w, err := logging.Open(target, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init log file: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, w))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer w.Close()
	}
	log.Printf("turnstream gateway %s env=%s", version.FullInfo(), cfg.Environment)

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	var hookDispatcher *hooks.Dispatcher
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		hookDispatcher = &hooks.Dispatcher{}
		hookDispatcher.Register(handler)
		log.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("build provider registry: %v", err)
	}
	log.Printf("providers registered: %v", registry.List())

	b := broker.New(broker.Config{
		SubscriberGrace:   cfg.SubscriberGrace,
		MaxTurnDuration:   cfg.MaxTurnDuration,
		TerminalRetention: cfg.TerminalRetention,
	}, log.New(log.Writer(), "[broker] ", log.LstdFlags|log.Lmicroseconds))

	collector := metrics.NewCollector()

	orch := orchestrator.New(orchestrator.Config{
		Broker:      b,
		Registry:    registry,
		Ledger:      ledgerStore,
		Hooks:       hookDispatcher,
		Metrics:     collector,
		UpstreamRaw: cfg.UpstreamRaw,
		Logger:      log.New(log.Writer(), "[orchestrator] ", log.LstdFlags|log.Lmicroseconds),
	})

	limiter := admission.NewLimiter(admission.Config{
		MaxStreamsPerIdentity: cfg.MaxStreamsPerIdentity,
	})
	defer limiter.Close()

	httpSrv := httpserver.New(httpserver.Config{
		Broker:            b,
		Orchestrator:      orch,
		Admission:         limiter,
		Ledger:            ledgerStore,
		Metrics:           collector,
		Logger:            log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmicroseconds),
		LogLevel:          cfg.LogLevel,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole turn.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("gateway server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	log.Printf("shutdown requested, draining channels")

	// Settle live streams first so subscribers get a shutting_down event,
	// then stop accepting connections.
	b.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger picks the backend from the DSN shape: postgres:// URLs open
// PostgreSQL, anything else is treated as a SQLite path.
func openLedger(cfg config.GatewayConfig) (ledger.Store, error) {
	dsn := strings.TrimSpace(cfg.LedgerDSN)
	if dsn == "" {
		dsn = config.DefaultLedgerPath()
	}

	var (
		store ledger.Store
		err   error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		store, err = ledgerpg.New(dsn, cfg.LedgerMaxOpen, cfg.LedgerMaxIdle, cfg.LedgerConnLifetime, cfg.LedgerConnIdleTime)
		log.Printf("ledger backend=postgres")
	} else {
		store, err = ledgersql.New(dsn)
		log.Printf("ledger backend=sqlite path=%s", dsn)
	}
	if err != nil {
		return nil, err
	}

	if cfg.LedgerAsyncEnabled {
		store = ledgerasync.New(store, ledgerasync.Config{
			BatchSize:     cfg.LedgerAsyncBatch,
			FlushInterval: time.Duration(cfg.LedgerAsyncFlushMs) * time.Millisecond,
			ChannelBuffer: cfg.LedgerAsyncCapacity,
			Logger:        log.New(log.Writer(), "[ledger] ", log.LstdFlags|log.Lmicroseconds),
		})
		log.Printf("ledger async writer enabled batch=%d flush_ms=%d", cfg.LedgerAsyncBatch, cfg.LedgerAsyncFlushMs)
	}
	return store, nil
}

// buildRegistry registers loopback plus every provider with credentials,
// then applies the configured dialect and model routes.
func buildRegistry(cfg config.GatewayConfig) (*upstream.Registry, error) {
	r := upstream.NewRegistry()

	lb := loopback.New(0)
	if err := r.Register(lb); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		p, err := upstreamopenai.New(upstreamopenai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			log.Printf("openai provider init failed: %v", err)
		} else if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		p, err := upstreamanthropic.New(upstreamanthropic.Config{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
			Version: cfg.AnthropicVersion,
		})
		if err != nil {
			log.Printf("anthropic provider init failed: %v", err)
		} else if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		p, err := upstreamgemini.New(upstreamgemini.Config{
			APIKey:       cfg.GeminiAPIKey,
			BaseURL:      cfg.GeminiBaseURL,
			DefaultModel: cfg.GeminiDefaultModel,
		})
		if err != nil {
			log.Printf("gemini provider init failed: %v", err)
		} else if err := r.Register(p); err != nil {
			return nil, err
		}
	}

	for d, name := range cfg.DialectProviders {
		if err := r.RouteDialect(dialect.Dialect(d), name); err != nil {
			log.Printf("dialect route %q=>%q rejected: %v", d, name, err)
		}
	}
	for _, rule := range cfg.ModelRoutes {
		if err := r.RouteModel(rule.Pattern, rule.Provider); err != nil {
			log.Printf("model route %q=>%q rejected: %v", rule.Pattern, rule.Provider, err)
		}
	}

	fallback := strings.TrimSpace(cfg.FallbackProvider)
	switch fallback {
	case "", "loopback":
		r.SetFallback(lb)
	default:
		p, err := r.Provider(fallback)
		if err != nil {
			log.Printf("fallback provider %q unknown, using loopback", fallback)
			r.SetFallback(lb)
		} else {
			r.SetFallback(p)
		}
	}
	return r, nil
}

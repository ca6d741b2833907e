package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/config"
	"github.com/1withall/nabr/internal/events"
	"github.com/1withall/nabr/internal/gateway"
	"github.com/1withall/nabr/internal/handlers"
	"github.com/1withall/nabr/internal/infra"
	"github.com/1withall/nabr/internal/journal"
	"github.com/1withall/nabr/internal/monitoring"
	"github.com/1withall/nabr/internal/orchestrator"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/timers"
	"github.com/1withall/nabr/internal/verifier"

	"github.com/1withall/nabr/internal/core"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := config.Get()
	model := scoring.NewModel(scoringOverrides(cfg))

	// =========================================================================
	// Journal backend — memory | spanner | postgres
	// =========================================================================
	var (
		jnl journal.Journal
		err error
	)
	switch cfg.Journal.Backend {
	case "spanner":
		sp := cfg.Journal.Spanner
		jnl, err = journal.NewSpannerJournal(sp.ProjectID, sp.InstanceID, sp.Database)
		if err != nil {
			log.Fatalf("Failed to initialize Spanner journal: %v", err)
		}
		slog.Info("Journal backend: Spanner", "project", sp.ProjectID, "instance", sp.InstanceID)
	case "postgres":
		jnl, err = journal.NewPostgresJournal(cfg.Journal.Postgres)
		if err != nil {
			log.Fatalf("Failed to initialize Postgres journal: %v", err)
		}
		slog.Info("Journal backend: Postgres")
	default:
		jnl = journal.NewMemoryJournal()
		slog.Warn("Journal backend: in-memory (events are lost on restart)")
	}

	// =========================================================================
	// Redis infrastructure — snapshot cache + QR token store (graceful fallback)
	// =========================================================================
	var snapshotCache journal.Cache = journal.NewMemoryCache()
	var tokenStore protocols.TokenStore = protocols.NewMemoryTokenStore()
	if cfg.Redis.Enabled {
		adapter, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("Redis connection failed, falling back to in-memory stores", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer adapter.Close()
			snapshotCache = journal.NewRedisCache(adapter, "nabr:snapshot:", 10*time.Minute)
			tokenStore = protocols.NewRedisTokenStore(adapter, "nabr:qrtoken:")
			slog.Info("Redis wired for snapshot cache and QR token store")
		}
	}

	store := journal.NewStore(jnl, snapshotCache, model)

	// =========================================================================
	// Event bus — Pub/Sub durable fan-out with in-memory fallback
	// =========================================================================
	var bus events.EventEmitter
	var streamBus *events.EventBus
	if cfg.PubSub.Enabled {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer psBus.Close()
		bus = psBus
		streamBus = psBus.EventBus
	} else {
		memBus := events.NewEventBus()
		bus = memBus
		streamBus = memBus
		slog.Info("Pub/Sub disabled, events fan out in-process only")
	}

	// Verifier record store
	var verifierStore verifier.Store
	if s, err := verifier.NewSupabaseStore(); err != nil {
		slog.Warn("Supabase not configured, verifier records are in-memory", "error", err)
		verifierStore = verifier.NewMemoryStore()
	} else {
		verifierStore = s
		slog.Info("Verifier records backed by Supabase")
	}

	metrics := monitoring.NewMetrics()

	env := &orchestrator.Env{
		Store:            store,
		Verifiers:        verifierStore,
		Notifier:         collab.NewGuardedNotifier(events.NewBusNotifier(bus, "/verification")),
		Bus:              bus,
		CodeSender:       collab.NewGuardedCodeSender(newLoggingCodeSender()),
		ReviewQueue:      collab.NewGuardedReviewQueue(newLoggingReviewQueue()),
		Tokens:           tokenStore,
		Metrics:          metrics,
		Retry:            collab.DefaultRetryPolicy(),
		CheckpointEveryN: cfg.Verification.CheckpointEveryN,
	}

	gw := gateway.New(env)

	// =========================================================================
	// Expiry timers — Cloud Tasks durable timers with in-memory fallback
	// =========================================================================
	if cfg.CloudTasks.Enabled {
		ct := cfg.CloudTasks
		sched, err := timers.NewCloudScheduler(ct.ProjectID, ct.LocationID, ct.QueueID, ct.TargetURL)
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
		defer sched.Close()
		env.Scheduler = sched
	} else {
		mem := timers.NewMemoryScheduler(gw.HandleExpiry)
		defer mem.Close()
		env.Scheduler = mem
		slog.Info("Cloud Tasks disabled, expiry timers are in-process")
	}

	gw.StartSweeper(time.Duration(cfg.Verification.SweepIntervalMin) * time.Minute)

	// =========================================================================
	// HTTP surface
	// =========================================================================
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handlers.HandleHealthz()).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/subjects/{subjectId}/methods/{method}/start", handlers.HandleStartMethod(gw)).Methods("POST")
	v1.HandleFunc("/subjects/{subjectId}/methods/{method}/signal", handlers.HandleSignal(gw)).Methods("POST")
	v1.HandleFunc("/subjects/{subjectId}/methods/{method}/revoke", handlers.HandleRevoke(gw)).Methods("POST")
	v1.HandleFunc("/subjects/{subjectId}/methods/{method}/cancel", handlers.HandleCancelMethod(gw)).Methods("POST")
	v1.HandleFunc("/subjects/{subjectId}/methods/{method}", handlers.HandleMethodStatus(gw)).Methods("GET")
	v1.HandleFunc("/subjects/{subjectId}/attestations", handlers.HandleAttest(gw)).Methods("POST")
	v1.HandleFunc("/subjects/{subjectId}/verification", handlers.HandleVerificationStatus(gw)).Methods("GET")
	v1.HandleFunc("/subjects/{subjectId}/next-level", handlers.HandleNextLevel(gw)).Methods("GET")
	v1.HandleFunc("/confirmations", handlers.HandleVerifierConfirm(gw)).Methods("POST")
	v1.HandleFunc("/events/stream", handlers.HandleEventStream(streamBus)).Methods("GET")
	v1.HandleFunc("/ops/stuck-runs", handlers.HandleStuckRuns(gw)).Methods("GET")
	v1.HandleFunc("/internal/expiry-fire", handlers.HandleExpiryFire(gw)).Methods("POST")

	srv := &http.Server{
		Addr:         cfg.GetPort(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("verifyd listening", "addr", cfg.GetPort(), "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown: drain HTTP, then cancel children (compensations run
	// to completion).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down verifyd")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	gw.Shutdown(ctx)
}

// scoringOverrides maps the config block onto the policy table.
func scoringOverrides(cfg *config.Config) map[core.Method]scoring.MethodPolicy {
	if len(cfg.Verification.Scoring) == 0 {
		return nil
	}
	defaults := scoring.DefaultPolicies()
	overrides := make(map[core.Method]scoring.MethodPolicy)
	for name, ov := range cfg.Verification.Scoring {
		m, ok := core.ParseMethod(name)
		if !ok {
			slog.Warn("Ignoring scoring override for unknown method", "method", name)
			continue
		}
		p := defaults[m]
		if ov.BasePoints > 0 {
			p.BasePoints = ov.BasePoints
		}
		if ov.MaxMultiplier > 0 {
			p.MaxMultiplier = ov.MaxMultiplier
		}
		if ov.DecayDays >= 0 {
			p.DecayDays = ov.DecayDays
		}
		overrides[m] = p
	}
	return overrides
}

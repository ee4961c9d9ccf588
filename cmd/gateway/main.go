package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmold/backend/internal/approval"
	"github.com/agentmold/backend/internal/auth"
	"github.com/agentmold/backend/internal/billing"
	"github.com/agentmold/backend/internal/budget"
	"github.com/agentmold/backend/internal/config"
	"github.com/agentmold/backend/internal/gateway"
	"github.com/agentmold/backend/internal/ids"
	"github.com/agentmold/backend/internal/metering"
	"github.com/agentmold/backend/internal/policy"
	"github.com/agentmold/backend/internal/ratelimit"
	"github.com/agentmold/backend/internal/scheduler"
	"github.com/agentmold/backend/internal/sink"
	"github.com/agentmold/backend/internal/store"
	"github.com/agentmold/backend/internal/stream"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	clock := ids.SystemClock{}

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise.
	var usage store.UsageStore
	var denials store.DenialStore
	if cfg.Stores.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(cfg.Stores.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		usage, denials = pg, pg
		log.Println("✅ Event stores: Postgres")
	} else {
		mem := store.NewMemoryStore()
		usage, denials = mem, mem
		log.Println("Event stores: in-memory (set DATABASE_URL for durability)")
	}

	var approvals approval.Store
	if cfg.Stores.RedisAddr != "" {
		rs, err := approval.NewRedisStore(cfg.Stores.RedisAddr, 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		approvals = rs
		log.Println("✅ Approval store: Redis")
	} else {
		approvals = approval.NewMemoryStore()
		log.Println("Approval store: in-memory (set REDIS_ADDR for multi-replica CAS)")
	}

	plans := billing.NewRegistry()

	evaluator := budget.NewEvaluator(usage, plans, budget.Caps{
		TrialTasksPerDay:  cfg.Budget.TrialTasksPerDay,
		TrialTokensPerDay: cfg.Budget.TrialTokensPerDay,
		TrialHighCostUSD:  cfg.Budget.TrialHighCostUSD,
		AgentDailyUSD:     cfg.Budget.AgentDailyBudgetUSD,
		DefaultMonthlyUSD: cfg.Budget.DefaultMonthlyCapUSD,
		CriticalAgents:    cfg.Budget.CriticalAgentAllowlist,
	}, clock)

	verifier := auth.NewVerifier(
		cfg.Auth.CustomerPortalSecret, cfg.Auth.PartnerPortalSecret,
		cfg.Auth.CustomerTokenTTL, cfg.Auth.PartnerTokenTTL, clock)
	peers := auth.NewPeerVerifier(cfg.Auth.PeerSecret, 60*time.Second, clock)

	pdp := policy.NewHTTPClient(cfg.PDP.URL, cfg.PDP.Timeout)
	envelope := metering.NewVerifier(cfg.Metering.Secret, cfg.Metering.TTL, cfg.Metering.Skew, clock)

	hub := stream.NewHub()
	go hub.Run()

	var usageSink sink.Sink
	if cfg.Sink.PubSubProject != "" && cfg.Sink.PubSubTopic != "" {
		ps, err := sink.NewPubSubSink(cfg.Sink.PubSubProject, cfg.Sink.PubSubTopic)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer ps.Close()
		usageSink = ps
	}

	var sched scheduler.Scheduler
	if cfg.Scheduler.ProjectID != "" {
		ct, err := scheduler.NewCloudTasksScheduler(
			cfg.Scheduler.ProjectID, cfg.Scheduler.LocationID, cfg.Scheduler.QueueID,
			cfg.Scheduler.CallbackURL, cfg.Auth.PeerSecret)
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
		defer ct.Close()
		sched = ct
	} else if cfg.Scheduler.CallbackURL != "" {
		sched = scheduler.NewTimerScheduler(cfg.Scheduler.CallbackURL, cfg.Auth.PeerSecret)
	}

	srv, err := gateway.NewServer(gateway.Options{
		Config:    cfg,
		Verifier:  verifier,
		Peers:     peers,
		PDP:       pdp,
		Usage:     usage,
		Denials:   denials,
		Approvals: approvals,
		Plans:     plans,
		Budget:    evaluator,
		Envelope:  envelope,
		Limiter: ratelimit.NewLimiter(ratelimit.Limits{
			TrialPerHour:    cfg.RateLimit.TrialPerHour,
			PaidPerHour:     cfg.RateLimit.PaidPerHour,
			GovernorPerHour: cfg.RateLimit.GovernorPerHour,
		}),
		Hub:       hub,
		Sink:      usageSink,
		Scheduler: sched,
		Clock:     clock,
	})
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("🚀 Enforcement gateway listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Goodbye 👋")
}

// Command server runs the Dispute Orchestration Core: the HTTP API, the
// task worker pool, the scheduler, and the event-driven engines, all in one
// process. Horizontal scale adds identical processes; leases and idempotency
// keys keep them from duplicating work.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/api"
	"github.com/disputeworks/core/internal/batch"
	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/config"
	"github.com/disputeworks/core/internal/crypto"
	"github.com/disputeworks/core/internal/deadline"
	"github.com/disputeworks/core/internal/dispute"
	"github.com/disputeworks/core/internal/events"
	"github.com/disputeworks/core/internal/scheduler"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
	"github.com/disputeworks/core/internal/tasks"
	"github.com/disputeworks/core/internal/trigger"
)

func main() {
	log.Println("🔥 Starting Dispute Orchestration Core...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	if cfg.DBURL == "" {
		log.Fatal("❌ CORE_DB_URL is required")
	}

	loc, err := time.LoadLocation(cfg.BusinessTZ)
	if err != nil {
		loc = time.UTC
	}
	clk := clock.New(cfg.BusinessTZ, cfg.HolidayDates(loc))

	// Event bus, optionally fanning out to Pub/Sub for downstream analytics.
	bus := events.NewBus()
	var publisher events.Publisher = bus
	var fanout *events.PubSubFanout
	if cfg.PubSubProject != "" {
		fanout, err = events.NewPubSubFanout(bus, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			log.Fatalf("❌ Pub/Sub: %v", err)
		}
		publisher = fanout
	}

	gw, err := store.Open(cfg.DBURL, publisher, clk)
	if err != nil {
		log.Fatalf("❌ Database: %v", err)
	}
	defer gw.Close()
	log.Println("✅ Connected to Postgres")

	queue := taskqueue.New(gw, cfg.TaskBackoffBase, cfg.TaskBackoffCap)

	// Outbound adapters share one runner so the circuit breakers see every
	// call regardless of which task type made it.
	runner := adapters.NewRunner()

	sealer, err := crypto.NewSealer(cfg.SealKeyRef)
	if err != nil {
		log.Fatalf("❌ Seal key: %v", err)
	}

	var mailer batch.Mailer
	if cfg.SFTPHost != "" {
		keyPEM, err := os.ReadFile(cfg.SFTPKeyRef)
		if err != nil {
			log.Fatalf("❌ SFTP key %s: %v", cfg.SFTPKeyRef, err)
		}
		if cfg.SFTPHostKey == "" {
			log.Println("⚠️ CORE_SFTP_HOST_KEY not set, SFTP host key verification disabled")
		}
		mailer, err = adapters.NewMailSFTP(cfg.SFTPHost, cfg.SFTPUser, keyPEM, []byte(cfg.SFTPHostKey), runner)
		if err != nil {
			log.Fatalf("❌ SFTP: %v", err)
		}
		log.Printf("✅ Mail provider SFTP at %s", cfg.SFTPHost)
	} else {
		log.Println("⚠️ CORE_SFTP_HOST not set, batch upload will fail until configured")
	}

	writer := adapters.NewAIWriter(
		os.Getenv("ANTHROPIC_API_KEY"), cfg.AIEndpoint,
		os.Getenv("CORE_AI_MODEL"), cfg.AIBudgetTokens, runner)
	scraper := adapters.NewHTTPScraper(os.Getenv("CORE_SCRAPER_ENDPOINT"), sealer, runner)
	payments := adapters.NewHTTPPaymentGateway(
		os.Getenv("CORE_PAYMENT_ENDPOINT"), os.Getenv("CORE_PAYMENT_API_KEY"), runner)
	notifier := adapters.NewHTTPNotifier(
		os.Getenv("CORE_NOTIFY_ENDPOINT"), os.Getenv("CORE_NOTIFY_API_KEY"), runner)

	// Engines. Construction order matters only for the bus: handlers run in
	// registration order on each commit.
	disputes := dispute.NewEngine(gw, queue, clk, bus, cfg.RoundFeeMinor)
	deadline.NewTracker(gw, clk, bus)
	pipeline := batch.NewPipeline(gw, queue, clk, mailer, cfg.LetterCostMinor)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Printf("✅ Redis snapshot cache at %s", cfg.RedisAddr)
	}
	triggers := trigger.NewEngine(gw, queue, trigger.NewSnapshotCache(gw, rdb), clk, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := triggers.LoadFileTriggers(ctx, cfg.File.Triggers); err != nil {
		log.Fatalf("❌ File triggers: %v", err)
	}

	registry := tasks.BuildRegistry(tasks.Deps{
		Gateway:  gw,
		Queue:    queue,
		Clock:    clk,
		Disputes: disputes,
		Pipeline: pipeline,
		Triggers: triggers,
		Writer:   writer,
		Scraper:  scraper,
		Payments: payments,
		Notifier: notifier,
		Sealer:   sealer,
	})

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = uuid.NewString()[:8]
	}
	worker := taskqueue.NewWorker(gw, queue, registry, workerID, 8, cfg.TenantMaxConcurrency)
	worker.Start(ctx)
	defer worker.Stop()

	sched := scheduler.New(gw, queue, clk, cfg.EventRetentionDays)
	if err := sched.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("❌ Schedules: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	if fanout != nil {
		defer fanout.Close()
	}

	server := api.NewServer(gw, disputes, pipeline, bus, cfg.PaymentWebhookSecret)
	if err := server.Start(ctx, cfg.HTTPPort); err != nil {
		log.Fatalf("❌ Server: %v", err)
	}
	log.Println("👋 Shutdown complete")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hk-tick-collector/config"
	"hk-tick-collector/internal/driver"
	"hk-tick-collector/internal/health"
	"hk-tick-collector/internal/logger"
	"hk-tick-collector/internal/mapper"
	"hk-tick-collector/internal/metrics"
	"hk-tick-collector/internal/notification"
	"hk-tick-collector/internal/persist"
	"hk-tick-collector/internal/seqstate"
	sqlitestore "hk-tick-collector/internal/store/sqlite"
	"hk-tick-collector/internal/tickqueue"
	"hk-tick-collector/pkg/futu"
)

func main() {
	cfg := config.Load()
	logger.Init("hk-tick-collector", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[main] starting host=%s port=%d symbols=%d data_root=%s", cfg.FutuHost, cfg.FutuPort, len(cfg.Symbols), cfg.DataRoot)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid configuration: %v", err)
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.Fatalf("[main] data root unusable: %v", err)
	}

	// ---- Day store + sequence seeding ----
	// The current day's file is not pre-created; it appears on first
	// commit. Seeding scans whatever day files already exist.
	store := sqlitestore.NewStore(sqlitestore.Config{
		Root:              cfg.DataRoot,
		BusyTimeoutMs:     cfg.SQLiteBusyTimeout,
		JournalMode:       cfg.SQLiteJournalMode,
		Synchronous:       cfg.SQLiteSynchronous,
		WALAutoCheckpoint: cfg.SQLiteWALAutoCkpt,
	})
	seedDays := store.ListRecentTradingDays(cfg.SeedRecentDBDays)
	seed, err := store.MaxSeqBySymbolRecent(cfg.Symbols, seedDays)
	if err != nil {
		log.Fatalf("[main] seed scan failed: %v", err)
	}
	seqs := seqstate.New()
	seqs.SeedPersisted(seed)
	if len(seed) > 0 {
		log.Printf("[main] seed_last_seq days=%v values=%v", seedDays, seed)
	} else {
		log.Printf("[main] seed_last_seq days=%v values=none", seedDays)
	}

	// ---- Metrics & health server ----
	prom := metrics.New(prometheus.DefaultRegisterer)
	healthz := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, healthz)
	metricsSrv.Start()

	// ---- Persistence worker ----
	queue := tickqueue.New(cfg.MaxQueueSize)
	worker := persist.New(persist.Config{
		BatchSize:         cfg.BatchSize,
		MaxWait:           cfg.MaxWait,
		RetryBackoff:      cfg.PersistRetryBackoff,
		RetryBackoffMax:   cfg.PersistRetryMax,
		HeartbeatInterval: cfg.PersistHeartbeat,
	}, queue, seqs, func() persist.Inserter { return store.OpenWriter() }, prom)
	worker.Start()
	log.Println("[main] persistence worker started")

	// ---- Upstream driver ----
	mapr := mapper.New(cfg.Market, "futu")
	factory := func(onTicker func(rows []mapper.Raw), onError func(error)) (driver.Gateway, error) {
		cli, err := futu.Dial(cfg.FutuHost, cfg.FutuPort)
		if err != nil {
			return nil, err
		}
		cli.OnTicker = onTicker
		cli.OnError = onError
		return cli, nil
	}
	drv := driver.New(driver.Config{
		Symbols:       cfg.Symbols,
		Market:        cfg.Market,
		Provider:      "futu",
		ReconnectMin:  cfg.ReconnectMinDelay,
		ReconnectMax:  cfg.ReconnectMaxDelay,
		BackfillN:     cfg.BackfillN,
		PollEnabled:   cfg.PollEnabled,
		PollInterval:  cfg.PollInterval,
		PollNum:       cfg.PollNum,
		PollStale:     cfg.PollStale,
	}, factory, mapr, queue, seqs, prom, healthz)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drv.Run(ctx)

	// ---- Watchdog ----
	var notifier notification.Notifier = notification.NewLogNotifier()
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifier = notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		log.Println("[main] telegram notifier enabled")
	}
	wd := health.New(health.Config{
		Stall:          cfg.WatchdogStall,
		UpstreamWindow: cfg.WatchdogUpstreamWindow,
		QueueThreshold: cfg.WatchdogQueueThreshold,
		MaxFailures:    cfg.WatchdogMaxFailures,
		JoinTimeout:    cfg.WatchdogJoinTimeout,
		DriftWarn:      cfg.DriftWarn,
	}, queue, worker, drv, seqs, prom, healthz, notifier, os.Exit)
	go wd.Run(ctx)
	log.Println("[main] pipeline ready")

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[main] shutdown signal received")

	// Stop pushes/poll/health first, then give the worker its flush
	// budget, then close the metrics server.
	cancel()

	exitCode := 0
	if err := worker.Stop(cfg.StopFlushTimeout); err != nil {
		log.Printf("[main] flush incomplete: %v", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsSrv.Stop(shutdownCtx)
	shutdownCancel()

	log.Println("[main] shutdown complete")
	os.Exit(exitCode)
}

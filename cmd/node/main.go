package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/matchcore/params"
	"github.com/uhyunpark/matchcore/pkg/app/core"
	"github.com/uhyunpark/matchcore/pkg/app/core/events"
	"github.com/uhyunpark/matchcore/pkg/app/core/market"
	"github.com/uhyunpark/matchcore/pkg/app/loadgen"
	"github.com/uhyunpark/matchcore/pkg/cache"
	"github.com/uhyunpark/matchcore/pkg/jobs"
	"github.com/uhyunpark/matchcore/pkg/relay"
	"github.com/uhyunpark/matchcore/pkg/storage"
	"github.com/uhyunpark/matchcore/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	// ---- Projection + outbox ----
	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()
	if n, err := store.RequeueSent(); err != nil {
		sugar.Fatalw("outbox_requeue_failed", "err", err)
	} else if n > 0 {
		sugar.Infow("outbox_requeued", "count", n)
	}

	handlers := []events.Handler{store}
	if cfg.Cache.RedisAddr != "" {
		snapshots := cache.NewSnapshotCache(cfg.Cache.RedisAddr, cfg.Cache.SnapshotTTL)
		defer snapshots.Close()
		handlers = append(handlers, snapshots)
		sugar.Infow("snapshot_cache_enabled", "addr", cfg.Cache.RedisAddr, "ttl", cfg.Cache.SnapshotTTL)
	}
	dispatcher := events.NewDispatcher(cfg.Engine.DispatchBuffer, sugar.Named("events"), handlers...)

	// ---- Exchange ----
	exchange := core.New(cfg.Engine, store, dispatcher, util.RealClock{}, sugar.Named("core"))
	instruments, err := market.LoadInstruments(cfg.Instruments.File, exchange.AddInstrument)
	if err != nil {
		sugar.Fatalw("instruments_load_failed", "file", cfg.Instruments.File, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The dispatcher outlives the engines so their last events still reach
	// the store.
	dctx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan error, 1)
	go func() { dispatched <- dispatcher.Run(dctx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exchange.Run(gctx) })

	// ---- Event relay (optional) ----
	publisher, err := relay.NewPublisher(cfg.Events)
	if err != nil {
		sugar.Fatalw("publisher_init_failed", "driver", cfg.Events.Driver, "err", err)
	}
	if publisher != nil {
		defer publisher.Close()
		r := relay.New(store, publisher, cfg.Events.RelayInterval, cfg.Events.RelayBatch, sugar.Named("relay"))
		g.Go(func() error { return r.Run(gctx) })
		sugar.Infow("relay_enabled", "driver", cfg.Events.Driver, "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	} else {
		sugar.Info("relay_disabled - events stay in the outbox")
	}

	// ---- DAY expiry at session close ----
	if cfg.Session.DayClose != "" {
		expiry, err := jobs.NewDayExpiry(exchange, cfg.Session.DayClose, sugar.Named("jobs"))
		if err != nil {
			sugar.Fatalw("day_expiry_init_failed", "err", err)
		}
		g.Go(func() error { return expiry.Run(gctx) })
	}

	// ---- Load generator (optional) ----
	// Enable with: LOADGEN_ENABLED=true
	if cfg.LoadGen.Enabled {
		feeder := loadgen.NewFeeder(exchange, instruments, cfg.LoadGen, time.Now().UnixNano(), sugar.Named("loadgen"))
		g.Go(func() error { return feeder.Run(gctx) })
	} else {
		sugar.Info("loadgen_disabled")
	}

	sugar.Infow("node_starting",
		"instruments", len(instruments),
		"data_dir", cfg.Node.DataDir,
		"inbox_size", cfg.Engine.InboxSize,
	)

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_failed", "err", err)
	}
	stopDispatch()
	<-dispatched
	if n := dispatcher.Dropped(); n > 0 {
		sugar.Warnw("events_dropped", "count", n)
	}
	sugar.Info("node_stopped")
}

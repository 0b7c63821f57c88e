package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorhub/internal/command"
	"sensorhub/internal/config"
	"sensorhub/internal/event"
	"sensorhub/internal/ingest"
	"sensorhub/internal/ingest/kafka"
	"sensorhub/internal/ingest/rabbitmq"
	"sensorhub/internal/ingest/socket"
	"sensorhub/internal/metrics"
	"sensorhub/internal/raftengine"
	"sensorhub/internal/relay"
	"sensorhub/internal/storage/sqlite"
	"sensorhub/internal/system"
	"sensorhub/internal/transaction"
)

func main() {
	cfgPath := flag.String("config", "sensorhub.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sensorhubd stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	level, _ := config.ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger = logger.With("node_id", cfg.Server.NodeID)
	m := metrics.New()

	backing := command.InMemory()
	if cfg.Storage.Backend == config.BackendSQLite {
		store, err := sqlite.NewStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		if backing, err = command.SQLiteBacking(ctx, store); err != nil {
			return err
		}
	}

	reg := system.NewRegistry()
	db, err := command.Open(ctx, backing, reg, command.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open command database: %w", err)
	}
	bus := event.NewBus(event.WithLogger(logger), event.WithMetrics(m))
	defer bus.Close()
	mgr := transaction.NewManager(db, reg, bus, transaction.WithLogger(logger), transaction.WithMetrics(m))

	if err := provision(ctx, reg, mgr, cfg.Systems, logger); err != nil {
		return err
	}

	var sink ingest.Sink = ingest.NewApplier(mgr, ingest.WithLogger(logger), ingest.WithMetrics(m))
	if cfg.Raft.Enabled {
		peers, err := cfg.Raft.PeerAddresses()
		if err != nil {
			return err
		}
		engine, err := raftengine.NewEngine(raftengine.Config{
			NodeID:              cfg.Raft.NodeID,
			Address:             cfg.Raft.Address,
			PeerAddresses:       peers,
			TickInterval:        cfg.Raft.TickInterval,
			ElectionTicks:       cfg.Raft.ElectionTicks,
			HeartbeatTicks:      cfg.Raft.HeartbeatTicks,
			Sink:                sink,
			BootstrapNewCluster: cfg.Raft.Bootstrap,
			Logger:              logger,
		})
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
		engine.Start()
		defer engine.Stop()
		sink = engine
	}

	errCh := make(chan error, 4)

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer shutdownHTTP(srv, cfg.Server.ShutdownTimeout)
		logger.Info("metrics listening", "address", cfg.Metrics.Address)
	}

	if rc := cfg.Relay.Kafka; rc.Enabled {
		r, err := relay.New(relay.Config{Enabled: true, Brokers: rc.Brokers, Topic: rc.Topic, Groups: rc.Groups, Logger: logger, Metrics: m}, bus)
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		defer r.Close()
	}

	if sc := cfg.Ingest.Socket; sc.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:          sc.Network,
			Address:          sc.Address,
			UnixSocketPath:   sc.UnixSocketPath,
			AuthToken:        sc.AuthToken,
			MaxInflight:      sc.MaxInflight,
			GlobalQueueLimit: sc.GlobalQueueLimit,
			Logger:           logger,
		}, socket.NewLocalEngine(mgr, sink))
		go func() {
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("socket server: %w", err)
			}
		}()
		defer srv.Close()
	}

	if kc := cfg.Ingest.Kafka; kc.Enabled {
		a, err := kafka.NewAdapter(kafka.Config{
			Enabled:     true,
			Brokers:     kc.Brokers,
			Topics:      kc.Topics,
			GroupID:     kc.GroupID,
			ClientID:    kc.ClientID,
			WorkerCount: kc.WorkerCount,
			CommitMode:  kc.CommitMode,
			ParseMode:   kc.ParseMode,
			Logger:      logger,
		}, sink)
		if err != nil {
			return err
		}
		go func() {
			if err := a.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("kafka ingest: %w", err)
			}
		}()
	}

	if rc := cfg.Ingest.RabbitMQ; rc.Enabled {
		a, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           rc.URL,
			Exchange:      rc.Exchange,
			Queue:         rc.Queue,
			RoutingKeys:   rc.RoutingKeys,
			PrefetchCount: rc.PrefetchCount,
			ManualAck:     true,
			Workers:       rc.Workers,
			DeliveryQueue: rc.PrefetchCount,
			Parser:        rabbitmq.ParserConfig{RequireBodyTarget: rc.RequireBodyTarget},
			Logger:        logger,
		}, sink)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		defer a.Close()
	}

	logger.Info("sensorhubd started",
		"storage", cfg.Storage.Backend,
		"socket", cfg.Ingest.Socket.Enabled,
		"kafka", cfg.Ingest.Kafka.Enabled,
		"rabbitmq", cfg.Ingest.RabbitMQ.Enabled,
		"raft", cfg.Raft.Enabled,
		"relay", cfg.Relay.Kafka.Enabled)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func shutdownHTTP(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	relay "github.com/ggoodman/session-relay"
	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/bus/memory"
	redisbus "github.com/ggoodman/session-relay/bus/redis"
	"github.com/ggoodman/session-relay/internal/otel"
	"github.com/ggoodman/session-relay/logstore/fslog"
	"github.com/ggoodman/session-relay/patch"
	"github.com/ggoodman/session-relay/storage"
	memstore "github.com/ggoodman/session-relay/storage/memory"
	redisstore "github.com/ggoodman/session-relay/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := relay.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, clientID)
		},
	}
	cmd.Flags().StringVar(&clientID, "gateway-client-id", "", "fixed gateway client id (random when empty)")
	return cmd
}

func run(ctx context.Context, cfg relay.Config, clientID string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	shutdown, err := otel.Setup(ctx, "relayd", cfg.OTLPEndpoint, cfg.OTLPEnabled)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("relayd.otel.shutdown", slog.String("err", err.Error()))
		}
	}()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var (
		b     bus.Bus
		index storage.Storage
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		b = redisbus.New(redisbus.Config{Client: client, KeyPrefix: cfg.KeyPrefix + "bus:"})
		index, err = redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.KeyPrefix + "storage:"})
		if err != nil {
			return err
		}
		log.Info("relayd.backend", slog.String("kind", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		b = memory.New()
		index, err = memstore.New(10_000)
		if err != nil {
			return err
		}
		log.Info("relayd.backend", slog.String("kind", "memory"))
	}

	patches := patch.New(cfg.LogDir, patch.WithIndex(index), patch.WithLogger(log))
	opts := append(cfg.Options(),
		relay.WithLogger(log),
		relay.WithPreferences(index),
		relay.WithGatewayClientID(clientID),
		relay.WithRecordPublisher(busRecords(b)),
	)
	engine, err := relay.New(b, fslog.New(cfg.LogDir), patches, opts...)
	if err != nil {
		return err
	}

	log.Info("relayd.start", slog.String("log_dir", cfg.LogDir))
	err = engine.Run(ctx)
	if ctx.Err() != nil {
		log.Info("relayd.stop")
		return nil
	}
	return err
}

// busRecords hands corrected scores to whatever consumes bus.TopicRecords.
// The envelope id serves as the record id.
func busRecords(b bus.Bus) relay.RecordPublisher {
	return relay.RecordPublisherFunc(func(ctx context.Context, rec relay.Record) (relay.RecordAck, error) {
		data, err := json.Marshal(rec)
		if err != nil {
			return relay.RecordAck{}, err
		}
		id, err := b.Publish(ctx, bus.TopicRecords, data)
		if err != nil {
			return relay.RecordAck{}, err
		}
		return relay.RecordAck{RecordID: id}, nil
	})
}

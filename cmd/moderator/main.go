// Command moderator reviews abuse reports filed in group chats. It consumes
// reports from NATS, re-checks the reported message with the content filter
// and, when Redis is configured, bans authors of flagged messages.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/moderation"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn().Err(err).Msg("could not read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("moderator stopped")
	}
	logging.Info().Msg("moderator stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("moderator")

	if cfg.NATS.URL == "" {
		return errors.New("moderator: nats.url is required")
	}

	var escalate moderation.Escalator
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		escalate = ban.NewStore(rdb)
	} else {
		log.Warn().Msg("redis not configured: flagged reports are logged only")
	}

	// Review is stricter than live screening: links are always checked.
	filterOpts := []moderation.Option{moderation.WithLinkBlocking()}
	if terms := cfg.Moderation.Terms(); len(terms) > 0 {
		filterOpts = append(filterOpts, moderation.WithTerms(terms))
	}
	reviewer := moderation.NewReviewer(moderation.NewFilter(filterOpts...), escalate, log)

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name + "-moderator"
	if cfg.NATS.ReconnectWait > 0 {
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	}
	nc, err := messaging.NewNATSClient(natsCfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	subject := cfg.NATS.ReportSubject + ".>"
	err = nc.Subscribe(subject, func(msg *nats.Msg) {
		rep, err := messaging.DecodeReport(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping report")
			return
		}
		reviewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		reviewer.Review(reviewCtx, rep)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("subject", subject).
		Bool("bans", escalate != nil).
		Msg("moderator running")

	<-ctx.Done()
	return nil
}

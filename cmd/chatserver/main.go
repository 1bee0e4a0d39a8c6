package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"github.com/whisper/groupchat/internal/auth"
	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/dispatch"
	"github.com/whisper/groupchat/internal/httpapi"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/presence"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/registry"
	"github.com/whisper/groupchat/internal/report"
	"github.com/whisper/groupchat/internal/session"
	"github.com/whisper/groupchat/internal/store"
	"github.com/whisper/groupchat/internal/store/memory"
	"github.com/whisper/groupchat/internal/store/postgres"
	"github.com/whisper/groupchat/internal/typing"
	"github.com/whisper/groupchat/internal/ws"
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
		logging.Fatal().Err(err).Msg("chat server stopped")
	}
	logging.Info().Msg("chat server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("main")

	st, reports, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	if path := cfg.Database.SeedFile; path != "" {
		if err := seedStore(ctx, st, path, cfg.Database.Driver == "postgres"); err != nil {
			return err
		}
	}

	reg := registry.New(cfg.Server.MaxConnections)
	router := broadcast.NewRouter(reg)
	pres := presence.NewTracker(router)
	typ := typing.NewStore(router,
		typing.WithTTL(cfg.Typing.TTL),
		typing.WithSweepInterval(cfg.Typing.SweepInterval),
	)

	var filterOpts []moderation.Option
	if terms := cfg.Moderation.Terms(); len(terms) > 0 {
		filterOpts = append(filterOpts, moderation.WithTerms(terms))
	}
	if cfg.Moderation.BlockLinks {
		filterOpts = append(filterOpts, moderation.WithLinkBlocking())
	}
	opts := []dispatch.Option{
		dispatch.WithFilter(moderation.NewFilter(filterOpts...)),
		dispatch.WithReports(reports),
	}
	rule := ratelimit.MessageRule(cfg.RateLimit.MessageLimit, cfg.RateLimit.MessageWindow)

	var (
		background []suture.Service
		checks     = map[string]httpapi.Check{}
		sessions   *session.Store
	)

	if cfg.Redis.Addr != "" {
		sessions, err = session.NewStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, serverName(cfg.Server.ServerName))
		if err != nil {
			return err
		}
		defer sessions.Close()

		rc := sessions.Client()
		bans := ban.NewStore(rc)
		opts = append(opts,
			dispatch.WithRateLimit(ratelimit.NewRedisLimiter(rc), rule),
			dispatch.WithBans(bans),
			dispatch.WithStrikes(bans),
		)
		if n := cfg.Moderation.ReportThreshold; n > 0 {
			opts = append(opts, dispatch.WithReportEscalation(bans, n))
		}
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		local := ratelimit.NewLocalLimiter()
		opts = append(opts, dispatch.WithRateLimit(local, rule))
		background = append(background, local)
		log.Warn().Msg("redis not configured: rate limits are per process and bans are disabled")
	}

	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.NATS.Name
		if cfg.NATS.ReconnectWait > 0 {
			natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		nc, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts,
			dispatch.WithNotifier(messaging.NewPushNotifier(nc, cfg.NATS.PushSubject)),
			dispatch.WithReportSink(messaging.NewReportPublisher(nc, cfg.NATS.ReportSubject)),
		)
		checks["nats"] = func(context.Context) error {
			if !nc.Connected() {
				return errors.New("nats: not connected")
			}
			return nil
		}
	}

	resolver, err := newResolver(cfg.Auth, sessions)
	if err != nil {
		return err
	}

	svc := dispatch.New(st, router, pres, typ, opts...)
	gw := ws.NewGateway(ws.Config{
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		AuthTimeout:   cfg.Server.ReadTimeout,
	}, reg, resolver, svc, pres, typ)

	api := httpapi.New(httpapi.Config{
		AllowedOrigins: cfg.Server.Origins(),
		RateLimit:      cfg.Server.HTTPRateLimit,
	}, svc, resolver, gw, reg)
	for name, c := range checks {
		api.AddCheck(name, c)
	}
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		api.AddCheck("database", p.Ping)
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	sup := suture.New("chatserver", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Component("supervisor").Warn().Str("event", e.String()).Msg("supervisor event")
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})
	sup.Add(newHTTPService(srv, gw, cfg.Server.ShutdownTimeout))
	sup.Add(typ)
	if cfg.Server.HeartbeatInterval > 0 {
		sup.Add(ws.NewHeartbeat(reg, cfg.Server.HeartbeatInterval))
	}
	for _, s := range background {
		sup.Add(s)
	}

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("max_connections", cfg.Server.MaxConnections).
		Str("store", cfg.Database.Driver).
		Str("auth", cfg.Auth.Mode).
		Bool("redis", cfg.Redis.Addr != "").
		Bool("nats", cfg.NATS.URL != "").
		Msg("chat server starting")

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, report.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.URL, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, report.NewPostgresStore(pg.DB()), func() { _ = pg.Close() }, nil
	default:
		return memory.New(), report.NewMemoryStore(), func() {}, nil
	}
}

// seedStore applies a seed file. The postgres schema keys groups by UUID,
// so other ids are refused up front.
func seedStore(ctx context.Context, st store.Store, path string, uuidIDs bool) error {
	groups, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	seeds := make([]store.SeedGroup, 0, len(groups))
	for _, g := range groups {
		if uuidIDs {
			if _, err := uuid.Parse(g.ID); err != nil {
				return fmt.Errorf("seed: group id %q must be a UUID for the postgres store", g.ID)
			}
		}
		seeds = append(seeds, store.SeedGroup{
			Group: chat.Group{
				ID:         g.ID,
				Name:       g.Name,
				Visibility: chat.Visibility(g.Visibility),
				CreatedBy:  g.CreatedBy,
			},
			Members: g.Members,
		})
	}
	n, err := store.Seed(ctx, st, seeds)
	if err != nil {
		return err
	}
	logging.Component("main").Info().Str("file", path).Int("declared", len(seeds)).Int("created", n).Msg("groups seeded")
	return nil
}

func newResolver(cfg config.AuthConfig, sessions *session.Store) (auth.Resolver, error) {
	if cfg.Mode == "session" {
		return auth.NewSessionResolver(sessions), nil
	}
	return auth.NewJWTResolver(cfg.JWTSecret, cfg.Issuer)
}

func serverName(configured string) string {
	if configured != "" {
		return configured
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "chat-1"
}

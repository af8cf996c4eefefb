package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/roomcast/internal/assistant"
	"github.com/christopherjohns/roomcast/internal/auth"
	"github.com/christopherjohns/roomcast/internal/config"
	"github.com/christopherjohns/roomcast/internal/hub"
	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/ratelimit"
	"github.com/christopherjohns/roomcast/internal/room"
	"github.com/christopherjohns/roomcast/internal/server"
	"github.com/christopherjohns/roomcast/internal/storage/sqlite"
	"github.com/christopherjohns/roomcast/internal/user"
	"github.com/christopherjohns/roomcast/internal/ws"
)

// backend bundles the persistence chosen by configuration.
type backend struct {
	messages message.Log
	rooms    room.Directory
	users    user.Repository
	close    func() error
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	store, err := openBackend(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}

	broadcaster := hub.NewBroadcaster(store.messages, hub.NewRegistry())
	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.WS.MaxConns),
		ws.WithIdleTimeout(cfg.WS.IdleTimeout),
	)

	proxies, err := ws.ParseTrustedProxies(cfg.WS.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted proxies")
	}

	wsOpts := []ws.HandlerOption{
		ws.WithQueueSize(cfg.WS.QueueSize),
		ws.WithHistoryLimit(cfg.WS.HistoryLimit),
		ws.WithWriteTimeout(cfg.WS.WriteTimeout),
		ws.WithMaxMessageLength(cfg.WS.MaxMessageLength),
		ws.WithOriginPatterns(cfg.WS.AllowedOrigins),
		ws.WithTrustedProxies(proxies),
		ws.WithJoinLimiter(ratelimit.PerMinute(cfg.WS.JoinsPerMinute)),
		ws.WithMessageLimiter(ratelimit.PerMinute(cfg.WS.MessagesPerMinute)),
	}
	srvOpts := []server.Option{
		server.WithRooms(store.rooms),
		server.WithMessageLog(store.messages),
		server.WithBroadcaster(broadcaster),
		server.WithConnManager(conns),
	}

	var resolver auth.Resolver
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		tokens := auth.NewTokenManager(auth.TokenConfig{
			Secret: cfg.Auth.Secret,
			TTL:    cfg.Auth.TokenTTL,
			Issuer: cfg.Auth.Issuer,
		})
		accounts := auth.NewService(store.users, auth.NewPasswordHasher(cfg.Auth.BcryptCost), tokens)
		resolver = auth.NewJWTResolver(tokens, store.users)
		srvOpts = append(srvOpts, server.WithAccounts(accounts))
	default:
		log.Warn().Msg("query identity mode: clients are trusted to name themselves")
		resolver = auth.QueryResolver{}
		wsOpts = append(wsOpts, ws.WithQueryIdentity())
	}
	srvOpts = append(srvOpts, server.WithWebSocket(ws.NewHandler(broadcaster, store.rooms, resolver, conns, wsOpts...)))

	var bot *assistant.Manager
	if cfg.Assistant.Enabled {
		bot = assistant.NewManager(broadcaster, store.messages, newResponder(cfg.Assistant),
			assistant.WithName(cfg.Assistant.Name),
			assistant.WithTimeout(cfg.Assistant.Timeout),
		)
		srvOpts = append(srvOpts, server.WithAssistant(bot))
		addAssistant(bot, store.rooms, cfg.Assistant.Rooms)
	}

	srv := server.New(cfg.Server.Addr, srvOpts...)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	ops := map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
		"websocket": func(ctx context.Context) error {
			if err := conns.Shutdown(ctx); err != nil {
				return err
			}
			// Leave events must be persisted before storage closes.
			return conns.Wait(ctx)
		},
	}
	if bot != nil {
		ops["assistant"] = func(ctx context.Context) error {
			return bot.Stop(ctx)
		}
	}
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, ops)

	exitCode := <-wait
	if err := store.close(); err != nil {
		log.Error().Err(err).Msg("close storage")
	}
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if cfg.Format == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func openBackend(cfg config.StorageConfig) (*backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite storage")
		return &backend{messages: db, rooms: db, users: db.Users(), close: db.Close}, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return &backend{
			messages: message.NewRedisStore(rdb, cfg.MaxMessages),
			rooms:    room.NewManager(),
			users:    user.NewStore(),
			close:    rdb.Close,
		}, nil

	default:
		return &backend{
			messages: message.NewStore(cfg.MaxMessages),
			rooms:    room.NewManager(),
			users:    user.NewStore(),
			close:    func() error { return nil },
		}, nil
	}
}

func newResponder(cfg config.AssistantConfig) assistant.Responder {
	if cfg.WebhookURL != "" {
		log.Info().Str("url", cfg.WebhookURL).Msg("assistant replies via webhook")
		return assistant.NewWebhookResponder(cfg.WebhookURL, cfg.Timeout)
	}
	return assistant.EchoResponder{}
}

func addAssistant(bot *assistant.Manager, rooms room.Directory, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !room.ValidID(id) {
			log.Warn().Str("room", id).Msg("skipping assistant for invalid room id")
			continue
		}
		if _, err := rooms.GetOrCreate(ctx, id, ""); err != nil {
			log.Error().Err(err).Str("room", id).Msg("assistant room unavailable")
			continue
		}
		if _, err := bot.Add(ctx, id); err != nil {
			log.Error().Err(err).Str("room", id).Msg("add assistant")
		}
	}
}

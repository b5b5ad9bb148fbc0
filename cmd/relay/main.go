// Command relay starts the tribecast broadcast relay service: the
// control-plane API, the WebSocket ingest endpoint, and the comment
// persistence worker.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"tribecast/internal/api"
	"tribecast/internal/auth"
	"tribecast/internal/broadcast"
	"tribecast/internal/comments"
	"tribecast/internal/ingest"
	"tribecast/internal/observability/logging"
	"tribecast/internal/observability/metrics"
	"tribecast/internal/provider"
	"tribecast/internal/secrets"
	"tribecast/internal/serverutil"
	"tribecast/internal/storage"
	"tribecast/internal/transcode"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	credentialSecret := flag.String("credential-secret", "", "secret used to encrypt channel credentials")
	tokenSecret := flag.String("token-secret", "", "signing key for ingest tokens")
	tokenTTL := flag.Duration("token-ttl", 0, "ingest token lifetime")
	adminKey := flag.String("admin-key", "", "API key guarding token issue")
	ffmpegPath := flag.String("ffmpeg", "", "ffmpeg executable used for relaying")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	commentQueueDriver := flag.String("comment-queue-driver", "", "comment queue driver (memory or redis)")
	commentRedisAddr := flag.String("comment-queue-redis-addr", "", "Redis address for the comment queue")
	commentRedisUsername := flag.String("comment-queue-redis-username", "", "Redis username for the comment queue")
	commentRedisPassword := flag.String("comment-queue-redis-password", "", "Redis password for the comment queue")
	commentRedisStream := flag.String("comment-queue-redis-stream", "", "Redis stream key for comment events")
	commentRedisGroup := flag.String("comment-queue-redis-group", "", "Redis consumer group for comment workers")
	twitchClientID := flag.String("twitch-client-id", "", "Twitch application client id")
	twitchClientSecret := flag.String("twitch-client-secret", "", "Twitch application client secret")
	youtubeClientID := flag.String("youtube-client-id", "", "YouTube application client id")
	youtubeClientSecret := flag.String("youtube-client-secret", "", "YouTube application client secret")
	ingestRateRPS := flag.Float64("ingest-rate-rps", 0, "ingest handshakes per second allowed per IP (0 disables)")
	ingestRateBurst := flag.Int("ingest-rate-burst", 0, "ingest handshake burst allowance per IP")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TRIBECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TRIBECAST_LOG_FORMAT")),
	})

	secret := firstNonEmpty(*credentialSecret, os.Getenv("TRIBECAST_CREDENTIAL_SECRET"))
	if secret == "" {
		logger.Error("credential secret is required (set -credential-secret or TRIBECAST_CREDENTIAL_SECRET)")
		os.Exit(1)
	}
	codec, err := secrets.NewCodec(secret)
	if err != nil {
		logger.Error("configure credential codec", "error", err)
		os.Exit(1)
	}

	signingKey := firstNonEmpty(*tokenSecret, os.Getenv("TRIBECAST_TOKEN_SECRET"))
	if signingKey == "" {
		logger.Error("token secret is required (set -token-secret or TRIBECAST_TOKEN_SECRET)")
		os.Exit(1)
	}
	ttl := *tokenTTL
	if ttl <= 0 {
		ttl = durationEnv(logger, "TRIBECAST_TOKEN_TTL")
	}
	tokens, err := auth.NewTokenService(signingKey, ttl)
	if err != nil {
		logger.Error("configure token service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, *storageDriver, *dataPath, *postgresDSN)
	if err != nil {
		logger.Error("open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	recorder := metrics.New()

	queue, err := openCommentQueue(logger, commentQueueConfig{
		driver:   firstNonEmpty(*commentQueueDriver, os.Getenv("TRIBECAST_COMMENT_QUEUE_DRIVER")),
		addr:     firstNonEmpty(*commentRedisAddr, os.Getenv("TRIBECAST_COMMENT_QUEUE_REDIS_ADDR")),
		username: firstNonEmpty(*commentRedisUsername, os.Getenv("TRIBECAST_COMMENT_QUEUE_REDIS_USERNAME")),
		password: firstNonEmpty(*commentRedisPassword, os.Getenv("TRIBECAST_COMMENT_QUEUE_REDIS_PASSWORD")),
		stream:   firstNonEmpty(*commentRedisStream, os.Getenv("TRIBECAST_COMMENT_QUEUE_REDIS_STREAM")),
		group:    firstNonEmpty(*commentRedisGroup, os.Getenv("TRIBECAST_COMMENT_QUEUE_REDIS_GROUP")),
	})
	if err != nil {
		logger.Error("open comment queue", "error", err)
		os.Exit(1)
	}

	ffmpeg := firstNonEmpty(*ffmpegPath, os.Getenv("TRIBECAST_FFMPEG"))
	runner := transcode.NewFFmpegRunner(
		logging.WithComponent(logger, "transcode"),
		transcode.WithCommand(ffmpeg),
		transcode.WithObserver(recorder),
	)

	registry := provider.NewRegistry(
		provider.NewCustomRTMPAdapter(codec),
		provider.NewTwitchAdapter(provider.TwitchConfig{
			ClientID:     firstNonEmpty(*twitchClientID, os.Getenv("TRIBECAST_TWITCH_CLIENT_ID")),
			ClientSecret: firstNonEmpty(*twitchClientSecret, os.Getenv("TRIBECAST_TWITCH_CLIENT_SECRET")),
		}, codec, store, nil, logging.WithComponent(logger, "twitch")),
		provider.NewYouTubeAdapter(provider.YouTubeConfig{
			ClientID:     firstNonEmpty(*youtubeClientID, os.Getenv("TRIBECAST_YOUTUBE_CLIENT_ID")),
			ClientSecret: firstNonEmpty(*youtubeClientSecret, os.Getenv("TRIBECAST_YOUTUBE_CLIENT_SECRET")),
		}, codec, store, nil, logging.WithComponent(logger, "youtube")),
	)
	chats := provider.NewChatFactory("", "", codec, store, queue, nil, logging.WithComponent(logger, "chat"))

	coordinator := broadcast.NewCoordinator(store, registry, runner, chats, recorder, logging.WithComponent(logger, "broadcast"))
	defer coordinator.Close()
	if cleaned := coordinator.CleanupStaleBroadcasts(ctx); cleaned > 0 {
		logger.Warn("closed stale broadcasts at boot", "count", cleaned)
	}

	worker := comments.NewWorker(queue, store, logging.WithComponent(logger, "comments"), recorder)
	go worker.Run(ctx)

	controller := ingest.NewController(tokens, coordinator, recorder, logging.WithComponent(logger, "ingest"))

	handler := &api.Handler{
		Store:       store,
		Coordinator: coordinator,
		Tokens:      tokens,
		Codec:       codec,
		AdminKey:    firstNonEmpty(*adminKey, os.Getenv("TRIBECAST_ADMIN_KEY")),
		FFmpegPath:  ffmpeg,
		Logger:      logging.WithComponent(logger, "api"),
	}
	router := api.NewRouter(api.RouterConfig{
		Handler:         handler,
		Ingest:          controller,
		IngestRateRPS:   floatSetting(logger, *ingestRateRPS, "TRIBECAST_INGEST_RATE_RPS"),
		IngestRateBurst: intSetting(logger, *ingestRateBurst, "TRIBECAST_INGEST_RATE_BURST"),
		Metrics:         recorder,
		Logger:          logger,
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("TRIBECAST_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("relay listening", "addr", listenAddr)
	err = serverutil.Run(ctx, serverutil.Config{
		Server: server,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("TRIBECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("TRIBECAST_TLS_KEY")),
		},
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func openStore(ctx context.Context, driverFlag, dataFlag, dsnFlag string) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(driverFlag, os.Getenv("TRIBECAST_STORAGE_DRIVER"))))
	dsn := firstNonEmpty(dsnFlag, os.Getenv("TRIBECAST_POSTGRES_DSN"))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "postgres":
		if dsn == "" {
			return nil, errors.New("postgres driver requires -postgres-dsn or TRIBECAST_POSTGRES_DSN")
		}
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn, ApplicationName: "tribecast-relay"})
	case "json":
		path := firstNonEmpty(dataFlag, os.Getenv("TRIBECAST_DATA"))
		if path == "" {
			path = "tribecast.json"
		}
		return storage.NewStorage(path)
	default:
		return nil, errors.New("unknown storage driver " + driver)
	}
}

type commentQueueConfig struct {
	driver   string
	addr     string
	username string
	password string
	stream   string
	group    string
}

func openCommentQueue(logger *slog.Logger, cfg commentQueueConfig) (comments.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.driver))
	if driver == "" {
		if cfg.addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "redis":
		return comments.NewRedisQueue(comments.RedisQueueConfig{
			Addr:     cfg.addr,
			Username: cfg.username,
			Password: cfg.password,
			Stream:   cfg.stream,
			Group:    cfg.group,
		})
	case "memory":
		logger.Info("using in-memory comment queue")
		return comments.NewMemoryQueue(256), nil
	default:
		return nil, errors.New("unknown comment queue driver " + driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func durationEnv(logger *slog.Logger, name string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration setting", "env", name, "value", raw, "error", err)
		return 0
	}
	return value
}

func floatSetting(logger *slog.Logger, flagValue float64, env string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid numeric setting", "env", env, "value", raw, "error", err)
		return 0
	}
	return value
}

func intSetting(logger *slog.Logger, flagValue int, env string) int {
	if flagValue > 0 {
		return flagValue
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid numeric setting", "env", env, "value", raw, "error", err)
		return 0
	}
	return value
}

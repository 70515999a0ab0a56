package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/road-monitor-map/internal/pkg/application"
	"github.com/diwise/road-monitor-map/internal/pkg/application/datasync"
	"github.com/diwise/road-monitor-map/internal/pkg/application/events"
	"github.com/diwise/road-monitor-map/internal/pkg/application/notifications"
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/application/webevents"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/metrics"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/roadapi"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/router"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/tracing"
	"github.com/diwise/road-monitor-map/internal/pkg/presentation/api"
	"github.com/diwise/road-monitor-map/internal/pkg/presentation/api/auth"
	"github.com/diwise/road-monitor-map/internal/pkg/presentation/scene"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const serviceName string = "road-monitor-map"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	logLevel

	policiesFile
	configurationFile

	upstreamURL
	sqliteDSN
	redisAddress
	jwtSecret

	enableMessaging
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		logLevel:      "info",

		policiesFile:      "/opt/diwise/config/authz.rego",
		configurationFile: "/opt/diwise/config/config.yaml",

		upstreamURL:  "",
		sqliteDSN:    "",
		redisAddress: "",
		jwtSecret:    "",

		enableMessaging: "true",
	}
}

func main() {
	// a missing .env file is fine, the environment is used as is
	_ = godotenv.Load()

	serviceVersion := version()
	flags := parseExternalConfig(zerolog.Nop(), defaultFlags())

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion, flags[logLevel])
	logger.Info().Msg("starting up ...")

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := loadConfig(cfgFile)
	cfgFile.Close()
	exitIf(err, logger, "could not parse configuration file")

	if flags[upstreamURL] != "" {
		cfg.Upstream.BaseURL = flags[upstreamURL]
	}

	policies, err := os.Open(flags[policiesFile])
	exitIf(err, logger, "unable to open opa policy file")

	var messenger messaging.MsgContext
	var publisher application.Publisher

	if flags[enableMessaging] == "true" {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
		defer messenger.Close()

		publisher = messenger
	}

	app, r, err := initialize(ctx, flags, cfg, policies, publisher)
	exitIf(err, logger, "failed to initialize service")

	if messenger != nil {
		messenger.RegisterTopicMessageHandler(types.TopicRiskAlert, notifications.RiskAlertHandler(app))
		messenger.RegisterTopicMessageHandler(types.TopicCitizenReport, notifications.CitizenReportHandler(app))
	}

	err = app.Start(ctx)
	exitIf(err, logger, "failed to start map engine")
	defer app.Stop()

	addr := flags[listenAddress] + ":" + flags[servicePort]
	logger.Info().Str("addr", addr).Msg("starting to listen for connections")

	err = http.ListenAndServe(addr, r)
	exitIf(err, logger, "failed to start request router")
}

// initialize wires the map engine, its data sources and the http api.
func initialize(ctx context.Context, flags flagMap, cfg *appConfig, policies io.ReadCloser, publisher application.Publisher) (application.App, *chi.Mux, error) {
	defer policies.Close()

	logger := logging.GetLoggerFromContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo, err := newSnapshotRepository(ctx, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to snapshot database: %w", err)
	}

	upstream := roadapi.New(ctx, cfg.Upstream, newLocationCache(ctx, flags, cfg.AlertLocationTTL))

	engine := overlay.NewEngine(logger, cfg.Engine, overlay.WithMetrics(m))
	loader := datasync.NewLoader(upstream, engine, datasync.WithRepository(repo), datasync.WithMetrics(m))
	refresher := datasync.NewRefresher(loader, cfg.RefreshInterval)

	sender, err := events.New(cfg.eventsConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid notification configuration: %w", err)
	}

	we := webevents.New()
	app := application.New(engine, loader, refresher, we, sender, publisher, application.WithWatchdog(cfg.StaleAfter))

	authOpts := []auth.Option{}
	if flags[jwtSecret] != "" {
		authOpts = append(authOpts, auth.WithTokenVerifier(jwtauth.New("HS256", []byte(flags[jwtSecret]), nil)))
	}

	r := router.New(serviceName, logger, cfg.AllowedOrigins)

	_, err = api.RegisterHandlers(ctx, r, policies, app, api.Handlers{
		Scene:   scene.NewHub(ctx, app, cfg.AllowedOrigins),
		Events:  we.Server(),
		Metrics: metrics.Handler(reg),
	}, authOpts...)
	if err != nil {
		return nil, nil, err
	}

	return app, r, nil
}

func newSnapshotRepository(ctx context.Context, flags flagMap) (database.SnapshotRepository, error) {
	logger := logging.GetLoggerFromContext(ctx)

	dbCfg := database.LoadConfigFromEnv(logger)
	if dbCfg.Host != "" {
		return database.NewSnapshotRepository(database.NewPostgreSQLConnector(ctx, dbCfg))
	}

	logger.Info().Msg("no postgres host configured, keeping snapshots in sqlite")
	return database.NewSnapshotRepository(database.NewSQLiteConnector(ctx, flags[sqliteDSN]))
}

func newLocationCache(ctx context.Context, flags flagMap, ttl time.Duration) roadapi.LocationCache {
	if flags[redisAddress] == "" {
		return roadapi.NewMemoryCache(ttl)
	}

	client := redis.NewClient(&redis.Options{Addr: flags[redisAddress]})
	if err := client.Ping(ctx).Err(); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Msg("redis unavailable, caching alert locations in memory")
		return roadapi.NewMemoryCache(ttl)
	}

	return roadapi.NewRedisCache(client, ttl)
}

func parseExternalConfig(logger zerolog.Logger, flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(logger, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(logger, "SERVICE_PORT", flags[servicePort])
	flags[logLevel] = envOrDef(logger, "LOG_LEVEL", flags[logLevel])

	flags[policiesFile] = envOrDef(logger, "POLICIES_FILE", flags[policiesFile])
	flags[configurationFile] = envOrDef(logger, "CONFIG_FILE", flags[configurationFile])

	flags[upstreamURL] = envOrDef(logger, "ROAD_API_URL", flags[upstreamURL])
	flags[sqliteDSN] = envOrDef(logger, "SQLITE_DSN", flags[sqliteDSN])
	flags[redisAddress] = envOrDef(logger, "REDIS_ADDR", flags[redisAddress])
	flags[jwtSecret] = envOrDef(logger, "JWT_SECRET", flags[jwtSecret])
	flags[enableMessaging] = envOrDef(logger, "ENABLE_MESSAGING", flags[enableMessaging])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("config", "map service configuration file", apply(configurationFile))
	flag.Func("upstream", "base url of the road backend", apply(upstreamURL))
	flag.Func("loglevel", "log level (debug, info, warn, error)", apply(logLevel))
	flag.Parse()

	return flags
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

// Command notifierd is the notification pipeline's process entrypoint: it
// loads configuration, wires every component behind its interface, and
// runs the Supervisor until an interrupt or SIGTERM triggers graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/api/ratelimit"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/cache"
	cacheMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/cache/adapters/memory"
	cacheRedis "github.com/chris-alexander-pop/notification-pipeline/pkg/cache/adapters/redis"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/chat"
	chatMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/chat/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/chat/adapters/slack"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/config"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/dispatcher"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	eventsourceMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource/adapters/nats"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
	interestMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/interest/adapters/memory"
	interestRedis "github.com/chris-alexander-pop/notification-pipeline/pkg/interest/adapters/redis"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring"
	monitoringPrometheus "github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring/adapters/prometheus"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	dedupMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/dedup/memory"
	dedupRedis "github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/dedup/redis"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/profilecache"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
	queueMemory "github.com/chris-alexander-pop/notification-pipeline/pkg/queue/adapters/memory"
	queueRedis "github.com/chris-alexander-pop/notification-pipeline/pkg/queue/adapters/redis"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/router"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/supervisor"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/telemetry"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/template"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes documented for operators: 0 clean shutdown, 1 fatal
// configuration error, 2 a required store is unreachable at startup, 3 the
// chat client failed to authenticate.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitStoreUnreachable = 2
	exitChatAuthFailure  = 3
)

// AppConfig aggregates every component's independently-loadable Config
// into one flat struct loaded by pkg/config.Load, the way each binary in
// this module composes its configuration.
type AppConfig struct {
	Logger      logger.Config
	Telemetry   telemetry.Config
	EventSource eventsource.Config
	QueueRedis  queueRedis.Config
	Interest    interestRedis.Config
	Cache       cache.Config
	Dedup       dedupRedis.Config
	Chat        chat.Config
	Router      router.Config
	Dispatcher  dispatcher.Config
	Monitoring  monitoring.Config
	Supervisor  supervisor.Config

	CacheResilience cache.ResilientConfig

	QueueDriver       string        `env:"QUEUE_DRIVER" env-default:"memory"`
	QueueMaxSize      int           `env:"QUEUE_MAX_SIZE" env-default:"100000"`
	InterestDriver    string        `env:"INTEREST_DRIVER" env-default:"memory"`
	DedupDriver       string        `env:"DEDUP_DRIVER" env-default:"memory"`
	DedupWindow       time.Duration `env:"DEDUP_WINDOW" env-default:"5m"`
	EventSourceDriver string        `env:"EVENTSOURCE_DRIVER" env-default:"memory"`
	MetricsAddr       string        `env:"METRICS_ADDR" env-default:":9090"`

	FrequencyLimit  int64         `env:"PREFERENCE_FREQUENCY_LIMIT" env-default:"0"`
	FrequencyPeriod time.Duration `env:"PREFERENCE_FREQUENCY_PERIOD" env-default:"1m"`
}

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := logger.Init(logger.Config{Level: "INFO", Format: "TEXT"})
	bootLog.Info("GOMAXPROCS set via automaxprocs", "value", runtime.GOMAXPROCS(0))

	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		return exitConfigError
	}
	if *debug {
		cfg.Logger.Level = "DEBUG"
	}
	if cfg.Dispatcher.Retry.MaxAttempts <= 0 {
		cfg.Dispatcher.Retry = queue.DefaultRetryPolicy
	}

	l := logger.Init(cfg.Logger)
	l.Info("configuration loaded", "queue_driver", cfg.QueueDriver, "interest_driver", cfg.InterestDriver, "chat_driver", cfg.Chat.Driver)

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		l.Error("failed to initialize telemetry", "error", err)
		return exitConfigError
	}
	defer shutdownTelemetry(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := buildQueue(cfg)
	if err != nil {
		l.Error("queue store unreachable", "error", err)
		return exitStoreUnreachable
	}

	idx, err := buildInterestIndex(cfg)
	if err != nil {
		l.Error("interest index store unreachable", "error", err)
		return exitStoreUnreachable
	}

	profileCache, err := buildCache(cfg)
	if err != nil {
		l.Error("profile cache store unreachable", "error", err)
		return exitStoreUnreachable
	}
	resilientCache := cache.NewResilientCache(profileCache, cfg.CacheResilience)
	profiles := profilecache.New(cache.NewInstrumentedCache(resilientCache))

	dedupStore, err := buildDedup(cfg)
	if err != nil {
		l.Error("dedup store unreachable", "error", err)
		return exitStoreUnreachable
	}

	chatSender, err := buildChatSender(cfg)
	if err != nil {
		l.Error("chat client failed to authenticate", "error", err)
		return exitChatAuthFailure
	}
	instrumentedChat := chat.NewInstrumentedSender(chatSender)

	source := eventsource.NewInstrumentedSource(buildEventSource(cfg))

	freqLimiter := ratelimit.New(profileCache, ratelimit.StrategyTokenBucket)
	filter := preference.NewFilter(profiles, dedupStore, freqLimiter, cfg.FrequencyLimit, cfg.FrequencyPeriod)
	rt := router.New(cfg.Router, idx, profiles, filter, q, template.DefaultThresholds)
	dsp := dispatcher.New(cfg.Dispatcher, q, instrumentedChat)

	registry := prometheus.NewRegistry()
	sink := monitoringPrometheus.New(registry)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("metrics server failed", "error", err)
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	sup := supervisor.New(cfg.Supervisor, supervisor.Collaborators{
		Source:     source,
		Index:      idx,
		ChatClient: instrumentedChat,
		Router:     rt,
		Queue:      q,
		Dispatcher: dsp,
		Sink:       sink,
		Monitoring: cfg.Monitoring,
	})

	l.Info("notification pipeline starting")
	if err := sup.Run(ctx); err != nil {
		l.Error("supervisor exited with error", "error", err)
		return exitConfigError
	}
	l.Info("notification pipeline stopped cleanly")
	return exitOK
}

func buildQueue(cfg AppConfig) (queue.Manager, error) {
	switch cfg.QueueDriver {
	case "redis":
		return queueRedis.New(cfg.QueueRedis, cfg.QueueMaxSize)
	default:
		return queueMemory.New(cfg.QueueMaxSize), nil
	}
}

func buildInterestIndex(cfg AppConfig) (interest.Index, error) {
	switch cfg.InterestDriver {
	case "redis":
		return interestRedis.New(cfg.Interest)
	default:
		return interestMemory.New(), nil
	}
}

func buildCache(cfg AppConfig) (cache.Cache, error) {
	switch cfg.Cache.Driver {
	case "redis":
		return cacheRedis.New(cfg.Cache)
	default:
		return cacheMemory.New(), nil
	}
}

func buildDedup(cfg AppConfig) (preference.DedupStore, error) {
	switch cfg.DedupDriver {
	case "redis":
		return dedupRedis.New(cfg.Dedup, cfg.DedupWindow)
	default:
		return dedupMemory.New(cfg.DedupWindow), nil
	}
}

func buildChatSender(cfg AppConfig) (chat.Sender, error) {
	switch cfg.Chat.Driver {
	case "slack":
		return slack.New(cfg.Chat)
	default:
		return chatMemory.New(), nil
	}
}

func buildEventSource(cfg AppConfig) eventsource.Source {
	switch cfg.EventSourceDriver {
	case "nats":
		return nats.New(cfg.EventSource)
	default:
		return eventsourceMemory.New(cfg.EventSource.EventsBufferSize)
	}
}

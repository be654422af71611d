package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/protomem/shift-agent/internal/api"
	"github.com/protomem/shift-agent/internal/cache"
	"github.com/protomem/shift-agent/internal/channel"
	"github.com/protomem/shift-agent/internal/env"
	"github.com/protomem/shift-agent/internal/model"
	"github.com/protomem/shift-agent/internal/tracker"
	"github.com/protomem/shift-agent/internal/version"
)

var _cfgFile = flag.String("cfg", "", "path to config file")

func init() {
	flag.Parse()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := run(logger)
	if err != nil {
		trace := string(debug.Stack())
		logger.Error(err.Error(), "trace", trace)
		os.Exit(1)
	}
}

type config struct {
	httpHost string
	httpPort int
	server   struct {
		baseURL string
		wsURL   string
	}
	worker struct {
		id    model.ID
		token string
	}
	cache struct {
		dsn         string
		automigrate bool
	}
	channel struct {
		pingInterval time.Duration
	}
}

type application struct {
	config  config
	logger  *slog.Logger
	api     *api.Client
	tracker *tracker.Tracker
	channel *channel.Channel
	cache   *cache.Cache
	wg      sync.WaitGroup

	tokenMu sync.RWMutex
	token   string
}

func run(logger *slog.Logger) error {
	var cfg config

	if *_cfgFile != "" {
		err := env.Load(*_cfgFile)
		if err != nil {
			return err
		}
	}

	cfg.httpHost = env.GetString("HTTP_HOST", "localhost")
	cfg.httpPort = env.GetInt("HTTP_PORT", 8090)
	cfg.server.baseURL = env.GetString("SERVER_URL", "http://localhost:8080/api/v1")
	cfg.server.wsURL = env.GetString("SERVER_WS_URL", "ws://localhost:8080/api/v1/events")
	cfg.worker.id = model.ID(env.GetInt("WORKER_ID", 0))
	cfg.worker.token = env.GetString("AUTH_TOKEN", "")
	cfg.cache.dsn = env.GetString("CACHE_DSN", "shift-agent.db")
	cfg.cache.automigrate = env.GetBool("CACHE_AUTOMIGRATE", true)
	cfg.channel.pingInterval = env.GetDuration("CHANNEL_PING_INTERVAL", 30*time.Second)

	showVersion := flag.Bool("version", false, "display version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s\n", version.Get())
		return nil
	}

	store, err := cache.New(logger, cfg.cache.dsn, cfg.cache.automigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	app := &application{
		config: cfg,
		logger: logger,
		cache:  store,
		token:  cfg.worker.token,
	}

	app.api = api.NewClient(logger, cfg.server.baseURL, app.currentToken)

	app.tracker = tracker.New(logger, app.api,
		tracker.WithCache(store, cfg.worker.id),
	)

	app.channel = channel.New(logger, channel.Config{
		URL:          cfg.server.wsURL,
		Token:        app.currentToken,
		PingInterval: cfg.channel.pingInterval,
	})

	// Channel events are reconciliation triggers; the tracker re-fetches and
	// fans the change signal out to anything watching the status API.
	app.channel.Subscribe(app.tracker.HandleChannelEvent,
		model.EventAssignmentStarted,
		model.EventAssignmentStopped,
		model.EventAssignmentUpdated,
		model.EventTaskCreated,
		model.EventTaskUpdated,
		model.EventTaskDeleted,
	)

	app.channel.Connect()
	app.tracker.Start()
	defer func() {
		app.tracker.Shutdown()
		app.channel.Disconnect()
	}()

	return app.serveHTTP()
}

func (app *application) currentToken() string {
	app.tokenMu.RLock()
	defer app.tokenMu.RUnlock()
	return app.token
}

func (app *application) setToken(token string) {
	app.tokenMu.Lock()
	app.token = token
	app.tokenMu.Unlock()

	app.channel.TokenChanged()
}

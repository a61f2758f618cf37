package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/internal/config"
	"github.com/lzyats/core-collab-go/internal/fakeapi"
	"github.com/lzyats/core-collab-go/pkg/bridge"
	"github.com/lzyats/core-collab-go/pkg/calendar"
	"github.com/lzyats/core-collab-go/pkg/chat"
	"github.com/lzyats/core-collab-go/pkg/cursorstore"
	redisstore "github.com/lzyats/core-collab-go/pkg/cursorstore/redis"
	"github.com/lzyats/core-collab-go/pkg/dashboard"
	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/gateway"
	"github.com/lzyats/core-collab-go/pkg/metrics"
	"github.com/lzyats/core-collab-go/pkg/producer"
	"github.com/lzyats/core-collab-go/pkg/sharing"
	"github.com/lzyats/core-collab-go/pkg/tasks"
	"github.com/lzyats/core-collab-go/pkg/wsprobe"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

const demoToken = "demo-token"

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func main() {
	var (
		cfgPaths string
		demo     bool
	)
	pflag.StringVarP(&cfgPaths, "config", "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	pflag.BoolVar(&demo, "demo", false, "serve an in-process fake backend and watch it")
	pflag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := loadConfig(cfgPaths, demo)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	if cfg.Dev() {
		log, _ = zap.NewDevelopment()
		defer log.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var api *fakeapi.Server
	if demo {
		var srv *http.Server
		api, srv, err = startDemo(cfg, log)
		if err != nil {
			log.Fatal("demo backend failed", zap.Error(err))
		}
		defer srv.Close()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	log.Info("collab-watch starting", zap.String("version", Version), zap.String("api", cfg.API.BaseURL), zap.Bool("demo", demo))

	metrics.Register()
	if cfg.Metrics.Addr != "" {
		msrv := serveMetrics(cfg.Metrics.Addr, log)
		defer msrv.Close()
	}

	gw, err := gateway.New(gateway.Options{
		BaseURL:        cfg.API.BaseURL,
		ResourceSuffix: cfg.API.ResourceSuffix,
		Timeout:        cfg.API.Timeout,
		Token:          cfg.Auth.Token,
		TokenHeader:    cfg.Auth.Header,
		BearerPrefix:   cfg.Auth.BearerPrefix,
		UserAgent:      cfg.API.UserAgent,
		Breaker: gateway.NewBreaker(gateway.BreakerOptions{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		}),
		Logger: log.Named("gateway"),
	})
	if err != nil {
		log.Fatal("gateway init failed", zap.Error(err))
	}

	br := bridge.New(log.Named("bridge"))
	br.OnAny(func(evt bridge.Event) {
		log.Info("event", zap.String("name", evt.Name), zap.String("id", evt.ID), zap.Any("payload", evt.Payload))
	})
	if cfg.RocketMQ.Enabled {
		pub, err := producer.New(cfg.RocketMQ)
		if err != nil {
			log.Fatal("rocketmq init failed", zap.Error(err))
		}
		fwd := bridge.NewForwarder(br, pub, bridge.ForwarderOptions{
			QueueSize: cfg.Forward.QueueSize,
			Workers:   cfg.Forward.Workers,
			Meta:      map[string]string{"source": "collab-watch", "version": Version},
			Logger:    log.Named("forward"),
		})
		defer fwd.Close()
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer closeStore()

	core := facade.Core{Gateway: gw, Bridge: br, Logger: log, Store: store}
	cal := calendar.New(core)
	cht := chat.New(core)
	tsk := tasks.New(core)
	shr := sharing.New(core)
	dsh := dashboard.New(core)
	clients := []shutdowner{cal, cht, tsk, shr, dsh}

	if api != nil {
		rooms, err := seedDemo(ctx, cht)
		if err != nil {
			log.Fatal("demo seed failed", zap.Error(err))
		}
		cfg.Watch.Rooms = append(cfg.Watch.Rooms, rooms...)
		go demoTraffic(ctx, api, cht, tsk, rooms[0], log)
	}

	if files, err := shr.ListFiles(ctx, 0, nil); err != nil {
		log.Warn("list files failed", zap.Error(err))
	} else {
		log.Info("shared files", zap.Int("root", len(files.Data)))
	}

	for _, room := range cfg.Watch.Rooms {
		room := room
		cht.StartPolling(ctx, room, func(ms []chat.Message) {
			log.Info("new messages", zap.Int64("room", room), zap.Int("count", len(ms)))
		}, cfg.Polling.ChatMessages)
	}
	cht.StartPresenceHeartbeat(ctx, cfg.Polling.Presence)

	onNotifications := func(ns []chat.Notification) {
		for _, n := range ns {
			log.Info("notification", zap.Int64("id", n.ID), zap.String("title", n.Title))
		}
	}
	if stream := dialNotifications(ctx, cfg, log); stream != nil {
		defer stream.Close()
		cht.WatchNotifications(ctx, stream.Probe(), onNotifications, cfg.Polling.Notifications)
	} else {
		cht.StartNotificationPolling(ctx, onNotifications, cfg.Polling.Notifications)
	}

	dsh.StartMetricsPolling(ctx, func(m dashboard.Metrics) {
		log.Info("dashboard metrics", zap.Any("values", m.Values), zap.String("generated_at", m.GeneratedAt))
	}, nil, cfg.Polling.Metrics)
	cal.SubscribeToUpdates(ctx, func(evs []calendar.Event) {
		log.Info("calendar updates", zap.Int("count", len(evs)))
	}, facade.Fields(cfg.Watch.Calendar), cfg.Polling.Calendar)
	tsk.SubscribeToUpdates(ctx, func(ts []tasks.Task) {
		log.Info("task updates", zap.Int("count", len(ts)))
	}, facade.Fields(cfg.Watch.Tasks), cfg.Polling.Tasks)

	<-ctx.Done()
	log.Info("collab-watch stopping")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range clients {
		if err := c.Shutdown(sctx); err != nil {
			log.Warn("client shutdown", zap.Error(err))
		}
	}
}

func loadConfig(paths string, demo bool) (*config.Config, error) {
	if demo && !pflag.CommandLine.Changed("config") {
		c := config.Defaults()
		c.Env = "dev"
		c.Polling.Metrics = 10 * time.Second
		c.Polling.Calendar = 5 * time.Second
		c.Polling.Tasks = 5 * time.Second
		return c, nil
	}
	return config.Load(paths)
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 2 * time.Second}
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func newStore(ctx context.Context, cfg *config.Config) (cursorstore.Store, func(), error) {
	if !cfg.RedisEnabled() {
		return cursorstore.NewMemory(), func() {}, nil
	}
	st, err := redisstore.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// dialNotifications opens the push stream when one is configured. A failed
// dial falls back to HTTP polling.
func dialNotifications(ctx context.Context, cfg *config.Config, log *zap.Logger) *wsprobe.Stream[chat.Notification] {
	if cfg.Push.WSURL == "" {
		return nil
	}
	header := http.Header{}
	if cfg.Auth.Token != "" {
		header.Set(cfg.Auth.Header, cfg.Auth.BearerPrefix+cfg.Auth.Token)
	}
	stream, err := wsprobe.Dial[chat.Notification](ctx, cfg.Push.WSURL, header, wsprobe.Options{
		Name:        "notifications",
		CursorParam: "since",
		Logger:      log,
	})
	if err != nil {
		log.Warn("notification stream unavailable, polling instead", zap.String("url", cfg.Push.WSURL), zap.Error(err))
		return nil
	}
	return stream
}

func startDemo(cfg *config.Config, log *zap.Logger) (*fakeapi.Server, *http.Server, error) {
	api := fakeapi.New(fakeapi.Options{Token: demoToken, Logger: log.Named("fakeapi")})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, errors.Wrap(err, "demo listen")
	}
	srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 2 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("demo server error", zap.Error(err))
		}
	}()
	host := ln.Addr().String()
	cfg.API.BaseURL = "http://" + host + "/api"
	cfg.Auth.Token = demoToken
	cfg.Push.WSURL = "ws://" + host + "/ws/notifications"
	log.Info("demo backend listening", zap.String("addr", host))
	return api, srv, nil
}

func seedDemo(ctx context.Context, c *chat.Client) ([]int64, error) {
	room, err := c.CreateRoom(ctx, facade.Fields{"name": "general", "type": "channel"})
	if err != nil {
		return nil, err
	}
	if _, err := c.SendMessage(ctx, room.Data.ID, "welcome to #general", nil); err != nil {
		return nil, err
	}
	return []int64{room.Data.ID}, nil
}

// demoTraffic keeps the fake backend busy so every subscription has
// something to report.
func demoTraffic(ctx context.Context, api *fakeapi.Server, c *chat.Client, t *tasks.Client, room int64, log *zap.Logger) {
	tick := time.NewTicker(4 * time.Second)
	defer tick.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if _, err := c.SendMessage(ctx, room, "ping", nil); err != nil {
			log.Warn("demo send failed", zap.Error(err))
		}
		if n%3 == 0 {
			if _, err := t.CreateTask(ctx, facade.Fields{"title": "follow up", "priority": "normal"}); err != nil {
				log.Warn("demo task failed", zap.Error(err))
			}
			api.Notify("task", "New task", "follow up")
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/feedcache"
	c "github.com/unkn0wn-root/feedcache/codec"
	"github.com/unkn0wn-root/feedcache/gateway/memory"
	asynchook "github.com/unkn0wn-root/feedcache/hooks/async"
	promhooks "github.com/unkn0wn-root/feedcache/hooks/prom"
	"github.com/unkn0wn-root/feedcache/internal/config"
	fclogrus "github.com/unkn0wn-root/feedcache/log/logrus"
	fcslog "github.com/unkn0wn-root/feedcache/log/slog"
	fczap "github.com/unkn0wn-root/feedcache/log/zap"
	fczerolog "github.com/unkn0wn-root/feedcache/log/zerolog"
	pr "github.com/unkn0wn-root/feedcache/provider"
	bcprov "github.com/unkn0wn-root/feedcache/provider/bigcache"
	rdprov "github.com/unkn0wn-root/feedcache/provider/redis"
	riprov "github.com/unkn0wn-root/feedcache/provider/ristretto"
	"github.com/unkn0wn-root/feedcache/sloghooks"
	"github.com/unkn0wn-root/feedcache/stale"
)

// faults decides which gateway calls fail: forced ones first, then at random.
type faults struct {
	mu     sync.Mutex
	rate   float64
	forced map[string]int
}

func (f *faults) force(op string) {
	f.mu.Lock()
	f.forced[op]++
	f.mu.Unlock()
}

func (f *faults) check(op string, _ feedcache.CollectionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forced[op] > 0 {
		f.forced[op]--
		return errors.New("injected failure")
	}
	if op != "fetch_pages" && f.rate > 0 && rand.Float64() < f.rate {
		return errors.New("random failure")
	}
	return nil
}

type simEnv struct {
	cfg    config.Config
	log    *zap.Logger
	gw     *memory.Gateway
	faults *faults
	opts   feedcache.Options
	eng    *feedcache.Engine
	ref    *feedcache.Refresher
	hooks  *asynchook.Hooks
	reg    *prometheus.Registry
	rdb    *goredis.Client
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	zc.DisableStacktrace = true
	return zc.Build()
}

// engineLogger returns the adapter the engine logs through. The simulator
// itself always logs with zl.
func engineLogger(backend string, zl *zap.Logger, level string) (feedcache.Logger, error) {
	switch backend {
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(lvl)
		return fclogrus.New(l), nil
	case "slog":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		return fcslog.Logger{L: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))}, nil
	case "zerolog":
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		return fczerolog.New(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()), nil
	}
	return fczap.New(zl), nil
}

func setup(ctx context.Context, cfg config.Config) (*simEnv, error) {
	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	env := &simEnv{
		cfg:    cfg,
		log:    zl,
		faults: &faults{rate: cfg.FailRate, forced: make(map[string]int)},
	}
	env.gw = memory.New(memory.Options{
		PageSize: cfg.PageSize,
		Latency:  cfg.Latency,
		Fail:     env.faults.check,
	})

	if cfg.NeedsRedis() {
		env.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := env.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = env.rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	logger, err := engineLogger(cfg.LogBackend, zl, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	mirror, err := env.provider(ctx)
	if err != nil {
		return nil, err
	}
	codec, err := pageCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	set, err := env.staleSet()
	if err != nil {
		return nil, err
	}

	var inner feedcache.Hooks
	if cfg.Metrics {
		env.reg = prometheus.NewRegistry()
		inner = promhooks.New(env.reg, "feedsim")
	} else {
		sl := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		inner = sloghooks.New(sl, sloghooks.Options{})
	}
	env.hooks = asynchook.New(inner, 1, 1024)

	env.opts = feedcache.Options{
		Namespace:     cfg.Namespace,
		Logger:        logger,
		Hooks:         env.hooks,
		Strict:        cfg.Strict,
		GuardRestores: cfg.GuardRestores,
		Mirror:        mirror,
		Codec:         codec,
		MirrorTTL:     cfg.MirrorTTL,
		Stale:         set,
		Tracer:        otel.Tracer("feedsim"),
	}
	env.eng, err = feedcache.New(env.gw, env.opts)
	if err != nil {
		return nil, err
	}
	env.ref = feedcache.NewRefresher(env.eng.Store(), env.eng.Scheduler(), env.gw, feedcache.RefresherOptions{
		Workers:        cfg.Workers,
		Timeout:        5 * time.Second,
		ResyncInterval: time.Second,
		Logger:         env.opts.Logger,
	})
	zl.Info("feedsim ready",
		zap.String("provider", cfg.Provider),
		zap.String("codec", cfg.Codec),
		zap.String("stale", cfg.Stale),
		zap.String("log_backend", cfg.LogBackend),
		zap.Bool("guard", cfg.GuardRestores))
	return env, nil
}

func (e *simEnv) provider(ctx context.Context) (pr.Provider, error) {
	switch e.cfg.Provider {
	case "ristretto":
		return riprov.New(riprov.Config{NumCounters: 10_000, MaxCost: 64 << 20, BufferItems: 64, SyncWrites: true})
	case "bigcache":
		return bcprov.New(ctx, bcprov.Config{LifeWindow: e.cfg.MirrorTTL, HardMaxCacheSizeMB: 64})
	case "redis":
		return rdprov.New(rdprov.Config{Client: e.rdb, Prefix: "feedsim:"})
	default:
		return nil, nil
	}
}

func pageCodec(name string) (c.Codec[feedcache.Page], error) {
	switch name {
	case "json":
		return c.JSON[feedcache.Page]{}, nil
	case "msgpack":
		return c.Msgpack[feedcache.Page]{}, nil
	case "cbor":
		return c.NewCBOR[feedcache.Page](true)
	case "protobuf":
		return feedcache.NewPageProto(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

func (e *simEnv) staleSet() (stale.Set, error) {
	if e.cfg.Stale == "redis" {
		return stale.NewRedis(stale.RedisConfig{Client: e.rdb, Namespace: e.cfg.Namespace, GenTTL: 24 * time.Hour})
	}
	return stale.NewLocal(time.Minute, 10*time.Minute), nil
}

// restarted builds a second engine over the same mirror and stale set, as a
// fresh process would see them.
func (e *simEnv) restarted() (*feedcache.Engine, error) {
	opts := e.opts
	opts.Stale = nopCloseSet{opts.Stale}
	if opts.Mirror != nil {
		opts.Mirror = nopCloseProvider{opts.Mirror}
	}
	return feedcache.New(e.gw, opts)
}

type nopCloseSet struct{ stale.Set }

func (nopCloseSet) Close(context.Context) error { return nil }

type nopCloseProvider struct{ pr.Provider }

func (nopCloseProvider) Close(context.Context) error { return nil }

func (e *simEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.ref.Close()
	if err := e.eng.Close(ctx); err != nil {
		e.log.Warn("engine close", zap.Error(err))
	}
	e.hooks.Close()
	if e.hooks.Dropped() > 0 {
		e.log.Warn("hook events dropped", zap.Uint64("count", e.hooks.Dropped()))
	}
	if e.reg != nil {
		dumpMetrics(os.Stdout, e.reg)
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.log.Sync()
}

func dumpMetrics(w io.Writer, reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(w, "metrics: %v\n", err)
		return
	}
	fmt.Fprintln(w, "\n# metrics")
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("%s=%q ", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(w, "%s{%s} %v\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
}

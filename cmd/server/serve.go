package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/api"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/config"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/consumer"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/dispatch"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/geo"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/orders"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/outbox"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/rides"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

type App struct {
	cfg      config.Config
	log      *urbandash.Logger
	store    store.Store
	client   *urbandash.Client
	producer *urbandash.Producer
	runtime  *consumer.Runtime
	orders   *orders.Handler
	rides    *rides.Handler
	ready    atomic.Bool
}

func serve(ctx context.Context, cfg config.Config, log *urbandash.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var ledger consumer.Ledger = consumer.NewMemoryLedger()
	resolver := newResolver(cfg, log)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, attempt ledger is process-local", map[string]any{"addr": cfg.RedisAddr, "err": err.Error()})
		} else {
			ledger = consumer.NewRedisLedger(rdb, cfg.ServiceName, 24*time.Hour)
			resolver = geo.NewCachedResolver(resolver, rdb, 7*24*time.Hour)
		}
	}

	client := urbandash.NewClient(cfg.Kafka, log)
	defer client.Close()
	producer := urbandash.NewProducer(client, cfg.Kafka.WriteTimeout, log)
	defer producer.Close()
	rt := consumer.NewRuntime(client, ledger, cfg.Consumer, log)
	defer rt.Close()

	app := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		client:   client,
		producer: producer,
		runtime:  rt,
		orders:   orders.NewHandler(st, dispatch.NewAgents(cfg.DeliveryAgents), dispatch.DefaultPlanner(), log),
		rides:    rides.NewHandler(st, geo.NewCalculator(resolver), dispatch.NewDrivers(cfg.Drivers), cfg.CorrelationWindow, log),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(&gatedPublisher{ready: &app.ready, next: producer}, st, app.ready.Load, log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server starting", map[string]any{"port": cfg.HTTPPort})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return app.runPipeline(gctx) })

	err = g.Wait()
	log.Info("shutdown complete", nil)
	return err
}

// runPipeline waits for the broker, then runs the consumer groups and the
// outbox relay until ctx ends. The API serves in degraded mode until then.
func (a *App) runPipeline(ctx context.Context) error {
	if !a.awaitBroker(ctx) {
		return nil
	}
	if err := a.client.EnsureTopics(ctx, urbandash.Topics()...); err != nil {
		a.log.Warn("topic creation failed, relying on broker auto-create", map[string]any{"err": err.Error()})
	}

	// Readiness waits for every group to be seeded; otherwise a relayed or
	// published event could land before a new group's start is fixed.
	var subs []*consumer.Subscription
	for {
		var err error
		subs, err = subscribe(ctx, a.runtime, a.orders, a.rides, a.log)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("consumer groups not seeded, retrying", map[string]any{"err": err.Error()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}

	relay := outbox.NewRelay(a.store, a.producer, a.cfg.OutboxInterval, a.log)
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	a.ready.Store(true)
	metrics.Ready.Set(1)
	a.log.Info("pipeline ready", map[string]any{"subscriptions": len(subs)})

	<-ctx.Done()
	a.ready.Store(false)
	metrics.Ready.Set(0)
	stopAll(subs, a.log)
	return <-relayDone
}

// awaitBroker pings until the broker answers. After ReadyTimeout it keeps
// trying in the background of a degraded process. It returns false if ctx
// ends first.
func (a *App) awaitBroker(ctx context.Context) bool {
	deadline := time.Now().Add(a.cfg.ReadyTimeout)
	degraded := false
	wait := 500 * time.Millisecond
	for {
		pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Kafka.DialTimeout)
		err := a.client.Ping(pingCtx)
		cancel()
		if err == nil {
			if degraded {
				a.log.Info("broker reachable, leaving degraded mode", nil)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !degraded && time.Now().After(deadline) {
			degraded = true
			a.log.Warn("broker unreachable, serving in degraded mode", map[string]any{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait < 10*time.Second {
			wait *= 2
		}
	}
}

// gatedPublisher fails fast while the pipeline is not ready so the API parks
// events in the outbox instead of waiting on an unreachable broker.
type gatedPublisher struct {
	ready *atomic.Bool
	next  api.Publisher
}

func (p *gatedPublisher) Send(ctx context.Context, msg kafka.Message) (urbandash.Ack, error) {
	if !p.ready.Load() {
		return urbandash.Ack{}, fmt.Errorf("%w: pipeline not ready", urbandash.ErrBrokerUnavailable)
	}
	return p.next.Send(ctx, msg)
}

func newResolver(cfg config.Config, log *urbandash.Logger) geo.Resolver {
	if cfg.GeocoderURL == "" {
		log.Warn("GEOCODER_URL not set, only identical addresses will correlate", nil)
		return geo.StaticResolver{}
	}
	return geo.NewHTTPResolver(cfg.GeocoderURL, cfg.ServiceName, 5*time.Second)
}

// Package cannon fans business events out to subscribed webhooks and
// delivers each one over HTTP with retries, SSRF protection and an audit
// trail.
package cannon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dedezza1D/hookflow/internal/dedup"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/notify"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/retry"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/dedezza1D/hookflow/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	VerifyURLs            bool
	Timeout               time.Duration
	Retry                 retry.Webhook
	FailureNotifyInterval time.Duration

	SessionActivityTimeout      time.Duration
	RecordingRecheckDelay       time.Duration
	VODObjectStoreID            string
	RecordCatalystObjectStoreID string
	RecordingBaseURL            string
	FrontendDomain              string

	Concurrency int
	NackDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		VerifyURLs:             true,
		Timeout:                5 * time.Second,
		Retry:                  retry.DefaultWebhook(),
		FailureNotifyInterval:  24 * time.Hour,
		SessionActivityTimeout: time.Minute,
		RecordingRecheckDelay:  time.Minute,
		FrontendDomain:         "livepeer.studio",
		Concurrency:            10,
		NackDelay:              time.Second,
	}
}

// Resolver is the slice of *net.Resolver the SSRF guard needs.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// TaskSpawner is what the recording check needs from the scheduler.
type TaskSpawner interface {
	CreateAsset(ctx context.Context, asset *store.Asset) (*store.Asset, error)
	SpawnAndEnqueue(ctx context.Context, p scheduler.SpawnParams) (*store.Task, error)
	EnqueueTask(ctx context.Context, task *store.Task, delay time.Duration) (*store.Task, error)
}

type Deps struct {
	Logger     *zap.Logger
	Store      *store.Store
	Queue      queue.Queue
	Resolver   Resolver
	HTTPClient *http.Client
	Notifier   notify.Sender
	Scheduler  TaskSpawner
	Dedup      dedup.Cache
}

type Cannon struct {
	cfg       Config
	logger    *zap.Logger
	store     *store.Store
	queue     queue.Queue
	resolver  Resolver
	http      *http.Client
	notifier  notify.Sender
	scheduler TaskSpawner
	dedup     dedup.Cache

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(cfg Config, d Deps) *Cannon {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry == (retry.Webhook{}) {
		cfg.Retry = retry.DefaultWebhook()
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	c := &Cannon{
		cfg:       cfg,
		logger:    d.Logger.With(zap.String("component", "cannon")),
		store:     d.Store,
		queue:     d.Queue,
		resolver:  d.Resolver,
		http:      d.HTTPClient,
		notifier:  d.Notifier,
		scheduler: d.Scheduler,
		dedup:     d.Dedup,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.notifier == nil {
		c.notifier = notify.LogSender{Logger: c.logger}
	}
	if c.dedup == nil {
		c.dedup = dedup.Nop{}
	}
	return c
}

// Start runs the events loop, the webhooks loop and the delayed-publish
// relay for both of their topics. It blocks until ctx is done or Stop is called.
func (c *Cannon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.queue.Consume(ctx, queue.ConsumerConfig{
			Name:        "cannon-events",
			Topic:       events.TopicEvents,
			Pattern:     events.TopicEvents + ".>",
			Concurrency: c.cfg.Concurrency,
			NackDelay:   c.cfg.NackDelay,
		}, c.HandleEventsQueue)
	})
	g.Go(func() error {
		return c.queue.Consume(ctx, queue.ConsumerConfig{
			Name:        "cannon-webhooks",
			Topic:       events.TopicWebhooks,
			Pattern:     events.WebhookTriggersKey,
			Concurrency: c.cfg.Concurrency,
			NackDelay:   c.cfg.NackDelay,
		}, c.HandleWebhooksQueue)
	})
	g.Go(func() error {
		return c.queue.RunDelayRelay(ctx, events.TopicEvents, events.TopicWebhooks)
	})

	c.logger.Info("cannon started")
	return g.Wait()
}

// Stop stops consuming. Deliveries already in flight run to completion.
func (c *Cannon) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

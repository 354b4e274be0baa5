// Package egress streams validated ticks onto a Kafka topic so
// downstream consumers (bars, analytics, archival) can read the feed
// without touching the pipeline process.
package egress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// Config tunes the publisher.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	QueueSize    int           // pending ticks before Handler starts dropping
	BatchSize    int           // ticks per produce request
	BatchTimeout time.Duration // max wait before a partial batch ships
}

func (c *Config) defaults() {
	if c.Topic == "" {
		c.Topic = "market.ticks"
	}
	if c.ClientID == "" {
		c.ClientID = "mdpipeline"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
}

// messageWriter is the part of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher batches ticks and produces them keyed by symbol, so one
// symbol always lands on one partition.
type Publisher struct {
	cfg    Config
	writer messageWriter
	log    *zap.Logger
	queue  chan model.Tick

	dropped   atomic.Uint64
	published atomic.Uint64
}

// New creates a publisher. The connection is lazy; a down broker shows
// up as produce errors once Run starts flushing.
func New(cfg Config, log *zap.Logger) *Publisher {
	cfg.defaults()
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	return &Publisher{
		cfg:    cfg,
		writer: w,
		log:    log.Named("egress"),
		queue:  make(chan model.Tick, cfg.QueueSize),
	}
}

// Handler returns a tick handler that enqueues without blocking. A full
// queue drops the tick.
func (p *Publisher) Handler() func(model.Tick) {
	return func(t model.Tick) {
		select {
		case p.queue <- t:
		default:
			p.dropped.Add(1)
		}
	}
}

// Run drains the queue into produce batches until ctx is cancelled.
// Flushes every BatchSize ticks OR every BatchTimeout, whichever first.
func (p *Publisher) Run(ctx context.Context) {
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			if ctx.Err() == nil {
				p.log.Error("produce batch", zap.Int("count", len(batch)), zap.Error(err))
			}
		} else {
			p.published.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Last flush gets its own deadline since ctx is gone.
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := p.writer.WriteMessages(fctx, batch...); err != nil {
					p.log.Warn("final produce batch", zap.Error(err))
				}
				cancel()
			}
			return

		case t := <-p.queue:
			batch = append(batch, kafka.Message{
				Key:   []byte(t.Key()),
				Value: t.JSON(),
				Time:  t.TS,
			})
			if len(batch) >= p.cfg.BatchSize {
				flush()
				timer.Reset(p.cfg.BatchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchTimeout)
		}
	}
}

// Dropped returns ticks discarded on a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Published returns ticks successfully produced.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type JetStreamConfig struct {
	URL            string
	Stream         string
	Subjects       []string
	MaxDeliver     int
	AckWait        time.Duration
	NakDelay       time.Duration
	ConnectTimeout time.Duration
	Retry          RetryPolicy
}

// defaultAckWait is the server's ack wait when the consumer leaves it unset.
const defaultAckWait = 30 * time.Second

// JetStream is a Bus backed by a NATS JetStream stream with one durable
// consumer per subscriber group.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *slog.Logger

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
}

// ConnectJetStream dials NATS, retrying until cfg.ConnectTimeout elapses,
// and makes sure the stream exists with the configured subjects.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = 2 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	var nc *nats.Conn
	err := connectWithRetry(cfg.ConnectTimeout, func() error {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Timeout(5*time.Second),
		)
		if err != nil {
			logger.Warn("nats connect failed", "url", cfg.URL, "err", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

func (j *JetStream) Publish(ctx context.Context, subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	err = retry(ctx, j.cfg.Retry, func() error {
		_, err := j.js.Publish(ctx, subject, b)
		if err != nil {
			j.logger.Warn("publish attempt failed", "subject", subject, "err", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (j *JetStream) Subscribe(ctx context.Context, subject, group string, h Handler) error {
	cons, err := j.js.CreateOrUpdateConsumer(ctx, j.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(group, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       j.cfg.AckWait,
		MaxDeliver:    j.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("consumer %s on %s: %w", group, subject, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		j.handle(ctx, msg, h)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", subject, err)
	}

	j.mu.Lock()
	j.consumers = append(j.consumers, cc)
	j.mu.Unlock()

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return nil
}

func (j *JetStream) handle(ctx context.Context, msg jetstream.Msg, h Handler) {
	attempt := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}
	stop := j.keepAlive(msg)
	err := h(ctx, msg.Data())
	stop()
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			j.logger.Warn("ack failed", "subject", msg.Subject(), "err", ackErr)
		}
		return
	}
	if errors.Is(err, ErrMalformed) {
		j.logger.Error("dropping malformed message", "subject", msg.Subject(), "err", err)
		_ = msg.Term()
		return
	}
	j.logger.Warn("handler failed, requesting redelivery", "subject", msg.Subject(), "attempt", attempt, "err", err)
	if nakErr := msg.NakWithDelay(j.cfg.NakDelay); nakErr != nil {
		j.logger.Warn("nak failed", "subject", msg.Subject(), "err", nakErr)
	}
}

// keepAlive tells the server the message is still being worked on every half
// AckWait, so a long handler is not redelivered to another consumer.
func (j *JetStream) keepAlive(msg jetstream.Msg) func() {
	wait := j.cfg.AckWait
	if wait <= 0 {
		wait = defaultAckWait
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(wait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					j.logger.Warn("in progress ack failed", "subject", msg.Subject(), "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// KeyValue returns (creating if needed) a KV bucket whose entries expire
// after ttl.
func (j *JetStream) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := j.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (j *JetStream) Close() error {
	j.mu.Lock()
	for _, cc := range j.consumers {
		cc.Stop()
	}
	j.consumers = nil
	j.mu.Unlock()
	if j.nc != nil {
		return j.nc.Drain()
	}
	return nil
}

// durableName derives a consumer name; JetStream forbids dots in it.
func durableName(group, subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return r.Replace(group + "_" + subject)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "shoppilot:events"

// Redis is a Bus that delivers locally like Memory and also fans events out
// to other daemons through a Redis pub/sub channel. Events published by this
// instance are not delivered twice.
type Redis struct {
	local   *Memory
	rdb     *goredis.Client
	channel string
	origin  string
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewRedis connects to addr, verifies the connection and starts forwarding
// events from channel to local subscribers until Close.
func NewRedis(ctx context.Context, addr, channel string, logger *slog.Logger) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := newRedis(rdb, channel, logger)
	if err := b.startForwarder(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return b, nil
}

func newRedis(rdb *goredis.Client, channel string, logger *slog.Logger) *Redis {
	return &Redis{
		local:   NewMemory(),
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.With("component", "events.redis"),
	}
}

// Publish delivers e to local subscribers, then to peers. A Redis failure is
// returned after local delivery has happened.
func (b *Redis) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.Origin = b.origin
	b.local.deliver(e)

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

func (b *Redis) startForwarder(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		b.cancel()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				b.receive(m.Payload)
			}
		}
	}()
	return nil
}

// receive decodes a peer payload and delivers it locally, skipping events
// this instance published itself.
func (b *Redis) receive(payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.logger.Warn("bad event payload", "error", err)
		return
	}
	if e.Origin == b.origin {
		return
	}
	e.Remote = true
	b.local.deliver(e)
}

func (b *Redis) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.local.Close()
	if b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

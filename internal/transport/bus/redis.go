package bus

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"notify-relay/internal/platform/logging"
)

// RedisOptions addresses the Redis server.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// RedisSubscriber receives SUBSCRIBE and PSUBSCRIBE deliveries over one
// PubSub connection, so exact and pattern messages share a single ordered
// stream.
type RedisSubscriber struct {
	client *redis.Client
	logger *logging.Logger
	state  stateHolder
}

// NewRedisSubscriber creates a subscriber with its own client.
func NewRedisSubscriber(opts RedisOptions, logger *logging.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		logger: logger,
	}
}

func (r *RedisSubscriber) Driver() string { return "redis" }

func (r *RedisSubscriber) State() State { return r.state.get() }

// Run implements Subscriber. Each subscription command is sent once; the
// PubSub re-dials and re-subscribes on its own, and the state follows the
// confirmations Redis sends back.
func (r *RedisSubscriber) Run(ctx context.Context, subs Subscriptions, handler Handler) error {
	defer func() {
		r.state.set(StateClosed)
		_ = r.client.Close()
	}()

	ps := r.client.Subscribe(ctx)
	defer ps.Close()

	pending := newConfirmations(subs)
	failed := 0
	if len(subs.Channels) > 0 {
		if err := ps.Subscribe(ctx, subs.Channels...); err != nil {
			failed++
			r.logger.ErrorTag("Bus", "subscribe to %s failed: %v", strings.Join(subs.Channels, ", "), err)
		}
	}
	for _, pattern := range subs.Patterns {
		if err := ps.PSubscribe(ctx, pattern); err != nil {
			failed++
			r.logger.ErrorTag("Bus", "psubscribe to %s failed: %v", pattern, err)
		}
	}

	switch {
	case failed > 0:
		r.state.set(StateDegraded)
		r.logger.WarnTag("Bus", "%d subscription(s) failed, running degraded", failed)
	case pending.complete():
		r.state.set(StateSubscribed)
	}

	ch := ps.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoTag("Bus", "redis subscriber stopping: %v", context.Cause(ctx))
			return nil
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			switch m := v.(type) {
			case *redis.Subscription:
				r.confirm(pending, m)
			case *redis.Message:
				msg := Message{Channel: m.Channel, Pattern: m.Pattern, Payload: []byte(m.Payload)}
				logMessage(r.logger, msg)
				handler(msg)
			}
		}
	}
}

func (r *RedisSubscriber) confirm(pending *confirmations, sub *redis.Subscription) {
	if !pending.ack(sub.Kind, sub.Channel) {
		return
	}
	switch sub.Kind {
	case "subscribe":
		r.logger.InfoTag("Bus", "subscribed to channel %s", sub.Channel)
	case "psubscribe":
		r.logger.InfoTag("Bus", "subscribed to pattern %s", sub.Channel)
	}
	if !pending.complete() || r.state.get() == StateSubscribed {
		return
	}
	if r.state.get() == StateDegraded {
		r.logger.InfoTag("Bus", "all subscriptions confirmed, leaving degraded state")
	}
	r.state.set(StateSubscribed)
}

// confirmations tracks which channels and patterns Redis has acknowledged.
// It is only touched by the Run goroutine.
type confirmations struct {
	want map[string]bool
	got  int
}

func newConfirmations(subs Subscriptions) *confirmations {
	c := &confirmations{want: make(map[string]bool, len(subs.Channels)+len(subs.Patterns))}
	for _, ch := range subs.Channels {
		c.want["subscribe:"+ch] = false
	}
	for _, p := range subs.Patterns {
		c.want["psubscribe:"+p] = false
	}
	return c
}

// ack records a confirmation and reports whether it was the first one for
// that channel or pattern.
func (c *confirmations) ack(kind, name string) bool {
	key := kind + ":" + name
	seen, ok := c.want[key]
	if !ok || seen {
		return false
	}
	c.want[key] = true
	c.got++
	return true
}

func (c *confirmations) complete() bool { return c.got == len(c.want) }

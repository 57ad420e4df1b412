// Package bus subscribes to the external publish/subscribe bus and hands
// every inbound message to a single handler, in delivery order.
package bus

import (
	"context"
	"fmt"
	"sync/atomic"

	"notify-relay/internal/platform/config"
	platformerrors "notify-relay/internal/platform/errors"
	"notify-relay/internal/platform/logging"
)

// Message is one delivery from the bus. Pattern is set when the message
// matched a wildcard subscription.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Handler consumes messages. It is called from one goroutine at a time.
type Handler func(Message)

// Subscriptions lists exact channels and glob patterns ("*" wildcard).
type Subscriptions struct {
	Channels []string
	Patterns []string
}

// Subscriber is a bus driver.
type Subscriber interface {
	// Run subscribes and feeds handler until ctx is cancelled. Setup
	// failures are logged and leave the subscriber degraded; Run still
	// blocks until ctx is done so the process keeps serving clients.
	Run(ctx context.Context, subs Subscriptions, handler Handler) error
	State() State
	Driver() string
}

// State describes the subscriber for health reporting.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) set(s State) { h.v.Store(int32(s)) }

func (h *stateHolder) get() State { return State(h.v.Load()) }

// New builds the subscriber selected by cfg.Bus.Driver.
func New(cfg *config.Config, logger *logging.Logger) (Subscriber, error) {
	switch cfg.Bus.Driver {
	case config.DriverRedis:
		return NewRedisSubscriber(RedisOptions{
			Addr:     cfg.RedisAddr(),
			Username: cfg.Bus.Redis.Username,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		}, logger), nil
	case config.DriverNATS:
		return NewNATSSubscriber(NATSOptions{
			URL:  cfg.Bus.NATS.URL,
			Name: cfg.Bus.NATS.Name,
		}, logger), nil
	default:
		return nil, platformerrors.New(platformerrors.KindConfig, "bus.new",
			fmt.Sprintf("unknown bus driver %q", cfg.Bus.Driver))
	}
}

func logMessage(logger *logging.Logger, msg Message) {
	if msg.Pattern != "" {
		logger.DebugTag("Bus", "[pmessage] pattern=%s channel=%s", msg.Pattern, msg.Channel)
		return
	}
	logger.DebugTag("Bus", "[message] channel=%s", msg.Channel)
}

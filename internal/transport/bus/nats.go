package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"notify-relay/internal/platform/logging"
)

// NATSOptions addresses the NATS server.
type NATSOptions struct {
	URL  string
	Name string
}

// NATSSubscriber maps channel names 1:1 onto NATS subjects. All
// subscriptions feed one Go channel so delivery order follows the server.
type NATSSubscriber struct {
	opts   NATSOptions
	logger *logging.Logger
	state  stateHolder
}

// NewNATSSubscriber creates a subscriber that connects on Run.
func NewNATSSubscriber(opts NATSOptions, logger *logging.Logger) *NATSSubscriber {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	return &NATSSubscriber{opts: opts, logger: logger}
}

func (n *NATSSubscriber) Driver() string { return "nats" }

func (n *NATSSubscriber) State() State { return n.state.get() }

// PatternToSubject converts a channel glob into a NATS subject. Only a "*"
// standing for a whole dot-separated token is expressible.
func PatternToSubject(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty pattern")
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == "" {
			return "", fmt.Errorf("pattern %q has an empty token", pattern)
		}
		if tok == "*" {
			continue
		}
		if strings.ContainsAny(tok, "*?[]>") {
			return "", fmt.Errorf("pattern %q: token %d (%q) cannot be expressed as a subject", pattern, i, tok)
		}
	}
	return pattern, nil
}

// Run implements Subscriber.
func (n *NATSSubscriber) Run(ctx context.Context, subs Subscriptions, handler Handler) error {
	defer n.state.set(StateClosed)

	nc, err := nats.Connect(n.opts.URL,
		nats.Name(n.opts.Name),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.WarnTag("Bus", "nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.InfoTag("Bus", "nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		n.state.set(StateDegraded)
		n.logger.ErrorTag("Bus", "connect to nats %s failed: %v", n.opts.URL, err)
		<-ctx.Done()
		return nil
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 256)
	patternOf := make(map[string]string)
	failed := 0

	for _, channel := range subs.Channels {
		if _, err := nc.ChanSubscribe(channel, msgs); err != nil {
			failed++
			n.logger.ErrorTag("Bus", "subscribe to %s failed: %v", channel, err)
			continue
		}
		n.logger.InfoTag("Bus", "subscribed to subject %s", channel)
	}
	for _, pattern := range subs.Patterns {
		subject, err := PatternToSubject(pattern)
		if err == nil {
			_, err = nc.ChanSubscribe(subject, msgs)
		}
		if err != nil {
			failed++
			n.logger.ErrorTag("Bus", "psubscribe to %s failed: %v", pattern, err)
			continue
		}
		patternOf[subject] = pattern
		n.logger.InfoTag("Bus", "subscribed to pattern %s", pattern)
	}

	if failed > 0 {
		n.state.set(StateDegraded)
		n.logger.WarnTag("Bus", "%d subscription(s) failed, running degraded", failed)
	} else {
		n.state.set(StateSubscribed)
	}

	for {
		select {
		case <-ctx.Done():
			n.logger.InfoTag("Bus", "nats subscriber stopping: %v", context.Cause(ctx))
			return nil
		case m := <-msgs:
			msg := Message{Channel: m.Subject, Payload: m.Data}
			if m.Sub != nil {
				msg.Pattern = patternOf[m.Sub.Subject]
			}
			logMessage(n.logger, msg)
			handler(msg)
		}
	}
}

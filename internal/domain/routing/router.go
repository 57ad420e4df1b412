// Package routing classifies bus channel names and dispatches their
// payloads to registered connections.
package routing

import (
	"errors"
	"fmt"

	"notify-relay/internal/domain/registry"
	"notify-relay/internal/platform/logging"
)

// ErrRecipientOffline marks a targeted message whose recipient has no
// registered connection. It is expected, not a failure.
var ErrRecipientOffline = errors.New("recipient not connected")

// Directory is the read side of the connection registry.
type Directory interface {
	Lookup(userID int64) (registry.Sink, bool)
	Snapshot() []registry.Sink
}

// Result summarises one Route call. Dropped is nil when the message reached
// its recipients, otherwise one of the package sentinels.
type Result struct {
	Channel   string
	Event     string
	Decision  Decision
	Delivered int
	Failed    int
	Dropped   error
}

// Router dispatches bus messages. Route is safe for concurrent use; callers
// that need ordering call it from a single goroutine.
type Router struct {
	scheme Scheme
	dir    Directory
	logger *logging.Logger
}

// New builds a router over dir.
func New(scheme Scheme, dir Directory, logger *logging.Logger) *Router {
	return &Router{scheme: scheme, dir: dir, logger: logger}
}

// Scheme returns the channel scheme the router classifies with.
func (r *Router) Scheme() Scheme {
	return r.scheme
}

// Route parses raw, classifies channel and emits to the matching
// connections. Every failure is logged and reported in the Result; nothing
// propagates to the caller.
func (r *Router) Route(channel string, raw []byte) Result {
	res := Result{Channel: channel}

	env, err := ParseEnvelope(raw)
	if err != nil {
		r.logger.ErrorTag("Router", "dropping message on %s: %v", channel, err)
		res.Dropped = ErrMalformedMessage
		return res
	}
	res.Event = env.Event
	res.Decision = r.scheme.Classify(channel)

	switch res.Decision.Kind {
	case Broadcast:
		for _, sink := range r.dir.Snapshot() {
			r.deliver(&res, sink, env)
		}
	case TargetedUser, TargetedAuditor:
		sink, ok := r.dir.Lookup(res.Decision.ID)
		if !ok {
			r.logger.InfoTag("Router", "%s %d not connected, event %s ignored",
				res.Decision.Kind, res.Decision.ID, env.Event)
			res.Dropped = ErrRecipientOffline
			return res
		}
		r.deliver(&res, sink, env)
	default:
		res.Dropped = res.Decision.Reason
		if errors.Is(res.Decision.Reason, ErrInvalidChannelID) {
			r.logger.WarnTag("Router", "invalid id in channel %s, event %s dropped", channel, env.Event)
		} else {
			r.logger.WarnTag("Router", "unrecognized channel %s, event %s dropped", channel, env.Event)
		}
		return res
	}

	r.logger.DebugTag("Router", "%s event %s delivered to %d connection(s)",
		describe(res.Decision), env.Event, res.Delivered)
	return res
}

func (r *Router) deliver(res *Result, sink registry.Sink, env Envelope) {
	if err := sink.Emit(env.Event, env.Data); err != nil {
		res.Failed++
		r.logger.WarnTag("Router", "emit %s to connection %s failed: %v", env.Event, sink.ID(), err)
		return
	}
	res.Delivered++
}

func describe(d Decision) string {
	if d.Kind == Broadcast {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s %d", d.Kind, d.ID)
}

// Package relay wires authenticated websocket sessions to the connection
// registry, the notification service and the bus router.
package relay

import (
	"errors"
	"sort"
	"sync"

	"notify-relay/internal/domain/eventbus"
	"notify-relay/internal/domain/notification"
	"notify-relay/internal/domain/registry"
	"notify-relay/internal/domain/routing"
	"notify-relay/internal/platform/logging"
	"notify-relay/internal/transport/bus"
	"notify-relay/internal/transport/ws"
)

// Deps are the collaborators of a Relay.
type Deps struct {
	Registry      *registry.Registry
	Router        *routing.Router
	Notifications *notification.Service
	Events        *eventbus.Bus
	Logger        *logging.Logger
}

// Relay is shared by every session and by the bus subscriber.
type Relay struct {
	registry      *registry.Registry
	router        *routing.Router
	notifications *notification.Service
	events        *eventbus.Bus
	logger        *logging.Logger

	// every open session, replaced ones included; chat reaches all of them
	audience audience
}

// New builds a relay.
func New(deps Deps) *Relay {
	return &Relay{
		registry:      deps.Registry,
		router:        deps.Router,
		notifications: deps.Notifications,
		events:        deps.Events,
		logger:        deps.Logger,
		audience:      audience{sinks: make(map[string]registry.Sink)},
	}
}

// Subscriptions derives the bus subscriptions from the router's scheme.
func (r *Relay) Subscriptions() bus.Subscriptions {
	scheme := r.router.Scheme()
	return bus.Subscriptions{
		Channels: scheme.ExactChannels(),
		Patterns: []string{scheme.UserPattern(), scheme.AuditorPattern()},
	}
}

// HandleBusMessage routes one bus delivery. It is the bus.Handler.
func (r *Relay) HandleBusMessage(msg bus.Message) {
	res := r.router.Route(msg.Channel, msg.Payload)

	data := eventbus.MessageEventData{
		Channel:   res.Channel,
		Event:     res.Event,
		Decision:  res.Decision.Kind.String(),
		Delivered: res.Delivered,
		Failed:    res.Failed,
	}
	if res.Dropped != nil {
		data.Reason = dropReason(res.Dropped)
		r.publish(eventbus.EventMessageDropped, data)
		return
	}
	r.publish(eventbus.EventMessageRouted, data)
}

// Reject records a handshake from remote that failed verification.
func (r *Relay) Reject(remote string, err error) {
	r.publish(eventbus.EventConnectionRejected, eventbus.RejectionEventData{
		Remote: remote,
		Reason: err.Error(),
	})
}

// BuildSession is the ws.HandlerBuilder for authenticated connections.
func (r *Relay) BuildSession(conn *ws.Connection, principal ws.Principal) (ws.SessionHandler, error) {
	if principal.Token == "" {
		return nil, errors.New("session without token")
	}
	return &clientSession{relay: r, conn: conn, principal: principal}, nil
}

func (r *Relay) publish(topic string, data interface{}) {
	if r.events == nil {
		return
	}
	if !r.events.PublishAsync(topic, data) {
		r.logger.DebugTag("Relay", "lifecycle event %s dropped", topic)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, routing.ErrMalformedMessage):
		return eventbus.ReasonMalformed
	case errors.Is(err, routing.ErrInvalidChannelID):
		return eventbus.ReasonInvalidID
	case errors.Is(err, routing.ErrRecipientOffline):
		return eventbus.ReasonOffline
	case errors.Is(err, routing.ErrUnrecognizedChannel):
		return eventbus.ReasonUnrecognized
	default:
		return err.Error()
	}
}

type audience struct {
	mu    sync.RWMutex
	sinks map[string]registry.Sink
}

func (a *audience) add(s registry.Sink) {
	a.mu.Lock()
	a.sinks[s.ID()] = s
	a.mu.Unlock()
}

func (a *audience) remove(s registry.Sink) {
	a.mu.Lock()
	if a.sinks[s.ID()] == s {
		delete(a.sinks, s.ID())
	}
	a.mu.Unlock()
}

// snapshot returns the open sinks ordered by id.
func (a *audience) snapshot() []registry.Sink {
	a.mu.RLock()
	out := make([]registry.Sink, 0, len(a.sinks))
	for _, s := range a.sinks {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

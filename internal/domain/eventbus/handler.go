package eventbus

import (
	"sync/atomic"
)

// StatsSnapshot is the JSON view served at /api/stats.
type StatsSnapshot struct {
	ConnectionsOpened   int64            `json:"connections_opened"`
	ConnectionsClosed   int64            `json:"connections_closed"`
	ConnectionsReplaced int64            `json:"connections_replaced"`
	ConnectionsRejected int64            `json:"connections_rejected"`
	MessagesRouted      int64            `json:"messages_routed"`
	MessagesDelivered   int64            `json:"messages_delivered"`
	MessagesDropped     int64            `json:"messages_dropped"`
	DropReasons         map[string]int64 `json:"drop_reasons"`
	ChatMessages        int64            `json:"chat_messages"`
	NotificationsRead   int64            `json:"notifications_read"`
	EventsLost          int64            `json:"events_lost"`
}

// Stats counts lifecycle events.
type Stats struct {
	bus *Bus

	opened, closed, replaced, rejected atomic.Int64
	routed, delivered, chat, read      atomic.Int64

	malformed, unrecognized, invalidID, offline, other atomic.Int64
}

// NewStats subscribes a counter set to every relay topic on bus.
func NewStats(bus *Bus) (*Stats, error) {
	s := &Stats{bus: bus}
	subs := map[string]interface{}{
		EventConnectionRegistered:   s.onRegistered,
		EventConnectionUnregistered: s.onUnregistered,
		EventConnectionRejected:     s.onRejected,
		EventMessageRouted:          s.onRouted,
		EventMessageDropped:         s.onDropped,
		EventChatMessage:            s.onChat,
		EventNotificationsRead:      s.onRead,
	}
	for topic, fn := range subs {
		if err := bus.Subscribe(topic, fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Stats) onRegistered(data ConnectionEventData) {
	s.opened.Add(1)
	if data.Replaced {
		s.replaced.Add(1)
	}
}

func (s *Stats) onUnregistered(ConnectionEventData) { s.closed.Add(1) }

func (s *Stats) onRejected(RejectionEventData) { s.rejected.Add(1) }

func (s *Stats) onRouted(data MessageEventData) {
	s.routed.Add(1)
	s.delivered.Add(int64(data.Delivered))
}

// Drop reasons as published by the relay.
const (
	ReasonMalformed    = "malformed"
	ReasonUnrecognized = "unrecognized_channel"
	ReasonInvalidID    = "invalid_channel_id"
	ReasonOffline      = "recipient_offline"
)

func (s *Stats) onDropped(data MessageEventData) {
	switch data.Reason {
	case ReasonMalformed:
		s.malformed.Add(1)
	case ReasonUnrecognized:
		s.unrecognized.Add(1)
	case ReasonInvalidID:
		s.invalidID.Add(1)
	case ReasonOffline:
		s.offline.Add(1)
	default:
		s.other.Add(1)
	}
}

func (s *Stats) onChat(ChatEventData) { s.chat.Add(1) }

func (s *Stats) onRead(data NotificationsEventData) { s.read.Add(int64(data.Count)) }

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	reasons := map[string]int64{
		ReasonMalformed:    s.malformed.Load(),
		ReasonUnrecognized: s.unrecognized.Load(),
		ReasonInvalidID:    s.invalidID.Load(),
		ReasonOffline:      s.offline.Load(),
	}
	if n := s.other.Load(); n > 0 {
		reasons["other"] = n
	}

	var dropped int64
	for _, n := range reasons {
		dropped += n
	}

	snap := StatsSnapshot{
		ConnectionsOpened:   s.opened.Load(),
		ConnectionsClosed:   s.closed.Load(),
		ConnectionsReplaced: s.replaced.Load(),
		ConnectionsRejected: s.rejected.Load(),
		MessagesRouted:      s.routed.Load(),
		MessagesDelivered:   s.delivered.Load(),
		MessagesDropped:     dropped,
		DropReasons:         reasons,
		ChatMessages:        s.chat.Load(),
		NotificationsRead:   s.read.Load(),
	}
	if s.bus != nil {
		snap.EventsLost = s.bus.Dropped()
	}
	return snap
}

package relay

import (
	"context"
	"encoding/json"

	"notify-relay/internal/domain/eventbus"
	"notify-relay/internal/domain/notification"
	"notify-relay/internal/platform/codec"
	"notify-relay/internal/transport/ws"
)

// Client-originated events.
const (
	EventChatMessage = "chat:message"
	EventMarkAsRead  = "notifications:markAsRead"
)

// ChatMessage is the payload broadcast for a chat:message.
type ChatMessage struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// clientSession drives one authenticated connection: register, send the
// unread backlog, serve commands, compare-and-remove on exit.
type clientSession struct {
	relay     *Relay
	conn      *ws.Connection
	principal ws.Principal
}

func (s *clientSession) Serve(ctx context.Context, sess *ws.Session) error {
	r := s.relay
	user := s.principal.User

	r.audience.add(s.conn)
	defer r.audience.remove(s.conn)

	previous := r.registry.Register(user.ID, s.conn)
	if previous != nil {
		r.logger.WarnTag("Relay", "user %d reconnected, connection %s replaced by %s and left open",
			user.ID, previous.ID(), s.conn.ID())
	}
	r.logger.InfoTag("Relay", "user connected: %s id=%d session=%s", user.Name, user.ID, sess.ID())
	r.publish(eventbus.EventConnectionRegistered, eventbus.ConnectionEventData{
		SessionID: sess.ID(),
		UserID:    user.ID,
		Name:      user.Name,
		Replaced:  previous != nil,
	})

	defer func() {
		removed := r.registry.Unregister(user.ID, s.conn)
		r.logger.InfoTag("Relay", "user disconnected: %s id=%d session=%s", user.Name, user.ID, sess.ID())
		r.publish(eventbus.EventConnectionUnregistered, eventbus.ConnectionEventData{
			SessionID: sess.ID(),
			UserID:    user.ID,
			Name:      user.Name,
			Replaced:  !removed,
		})
	}()

	if r.notifications != nil {
		_, _ = r.notifications.Bootstrap(ctx, s.conn, s.principal.Token)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sess.Inbound():
			if !ok {
				return nil
			}
			s.handle(ctx, frame)
		}
	}
}

func (s *clientSession) handle(ctx context.Context, frame ws.Frame) {
	switch frame.Event {
	case EventChatMessage:
		s.chat(frame.Data)
	case EventMarkAsRead:
		s.markAsRead(ctx, frame.Data)
	default:
		s.relay.logger.DebugTag("Relay", "unknown event %s from user %d ignored", frame.Event, s.principal.User.ID)
	}
}

func (s *clientSession) chat(data json.RawMessage) {
	r := s.relay
	user := s.principal.User

	var text string
	if err := codec.Unmarshal(data, &text); err != nil {
		r.logger.WarnTag("Chat", "non-string chat message from user %d dropped", user.ID)
		return
	}
	r.logger.InfoTag("Chat", "%s says: %s", user.Name, text)

	msg := ChatMessage{User: user.Name, Message: text}
	recipients := 0
	for _, sink := range r.audience.snapshot() {
		if err := sink.Emit(EventChatMessage, msg); err != nil {
			r.logger.WarnTag("Chat", "emit to connection %s failed: %v", sink.ID(), err)
			continue
		}
		recipients++
	}
	r.publish(eventbus.EventChatMessage, eventbus.ChatEventData{
		UserID:     user.ID,
		User:       user.Name,
		Message:    text,
		Recipients: recipients,
	})
}

func (s *clientSession) markAsRead(ctx context.Context, data json.RawMessage) {
	r := s.relay
	if r.notifications == nil {
		return
	}
	ids, err := notification.DecodeIDs(data)
	if err != nil {
		r.logger.DebugTag("Notifications", "mark as read from user %d ignored: %v", s.principal.User.ID, err)
		return
	}
	if err := r.notifications.MarkAsRead(ctx, s.principal.Token, ids); err != nil {
		return
	}
	r.publish(eventbus.EventNotificationsRead, eventbus.NotificationsEventData{
		UserID: s.principal.User.ID,
		Count:  len(ids),
	})
}

// Package notification pushes a user's unread backlog on connect and
// forwards mark-as-read commands to the external service.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"notify-relay/internal/domain/registry"
	"notify-relay/internal/platform/backend"
	"notify-relay/internal/platform/codec"
	"notify-relay/internal/platform/logging"
)

// EventNotification is the outbound event carrying one unread notification.
const EventNotification = "notification"

var (
	// ErrEmptyIDs means the mark-as-read payload was not a non-empty array.
	ErrEmptyIDs = errors.New("notification ids must be a non-empty array")
	// ErrInvalidID means an element of the ids array was neither a number nor a string.
	ErrInvalidID = errors.New("notification id must be a number or a string")
)

// Service talks to the notification endpoints of the external service.
type Service struct {
	client *backend.Client
	logger *logging.Logger
}

// NewService builds a notification service over client.
func NewService(client *backend.Client, logger *logging.Logger) *Service {
	return &Service{client: client, logger: logger}
}

// Bootstrap fetches the unread notifications of the token's owner and emits
// each one to sink in response order. It returns how many were emitted. A
// failed fetch is logged and returned; the connection stays usable.
func (s *Service) Bootstrap(ctx context.Context, sink registry.Sink, token string) (int, error) {
	body, err := s.client.Get(ctx, backend.PathUnread, token)
	if err != nil {
		s.logger.ErrorTag("Notifications", "fetch unread for connection %s failed: %v", sink.ID(), err)
		return 0, err
	}

	sent := 0
	for _, item := range ParseUnread(body) {
		if err := sink.Emit(EventNotification, item); err != nil {
			s.logger.WarnTag("Notifications", "emit backlog to connection %s stopped after %d: %v", sink.ID(), sent, err)
			return sent, err
		}
		sent++
	}
	s.logger.DebugTag("Notifications", "sent %d unread notification(s) to connection %s", sent, sink.ID())
	return sent, nil
}

// ParseUnread accepts either a bare array or an object with a
// "notifications" array. Anything else yields no items.
func ParseUnread(body []byte) []json.RawMessage {
	var items []json.RawMessage
	if err := codec.Unmarshal(body, &items); err == nil {
		return items
	}

	var envelope struct {
		Notifications []json.RawMessage `json:"notifications"`
	}
	if err := codec.Unmarshal(body, &envelope); err == nil {
		return envelope.Notifications
	}
	return nil
}

// DecodeIDs validates a mark-as-read payload. It must be a non-empty array
// whose elements are JSON numbers or strings; they are returned verbatim.
func DecodeIDs(raw json.RawMessage) ([]json.RawMessage, error) {
	var ids []json.RawMessage
	if err := codec.Unmarshal(raw, &ids); err != nil || len(ids) == 0 {
		return nil, ErrEmptyIDs
	}
	for i, id := range ids {
		trimmed := strings.TrimSpace(string(id))
		if trimmed == "" {
			return nil, fmt.Errorf("%w: element %d is empty", ErrInvalidID, i)
		}
		switch c := trimmed[0]; {
		case c == '"', c == '-', c >= '0' && c <= '9':
		default:
			return nil, fmt.Errorf("%w: element %d is %s", ErrInvalidID, i, trimmed)
		}
	}
	return ids, nil
}

// MarkAsRead posts {"ids": ids} on behalf of the token's owner. One attempt;
// failures are logged and returned.
func (s *Service) MarkAsRead(ctx context.Context, token string, ids []json.RawMessage) error {
	if len(ids) == 0 {
		return ErrEmptyIDs
	}

	payload := struct {
		IDs []json.RawMessage `json:"ids"`
	}{IDs: ids}
	if _, err := s.client.PostJSON(ctx, backend.PathMarkAsRead, token, payload); err != nil {
		s.logger.ErrorTag("Notifications", "mark as read failed: %v", err)
		return err
	}

	s.logger.InfoTag("Notifications", "marked as read: %s", joinIDs(ids))
	return nil
}

func joinIDs(ids []json.RawMessage) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strings.Trim(string(id), `"`)
	}
	return strings.Join(parts, ", ")
}

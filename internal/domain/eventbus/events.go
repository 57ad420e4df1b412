package eventbus

// Topics published by the relay.
const (
	EventConnectionRegistered   = "connection:registered"
	EventConnectionUnregistered = "connection:unregistered"
	EventConnectionRejected     = "connection:rejected"

	EventMessageRouted  = "message:routed"
	EventMessageDropped = "message:dropped"

	EventChatMessage       = "chat:message"
	EventNotificationsRead = "notifications:read"
)

type ConnectionEventData struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	// Replaced is set on registration when another connection of the same
	// user was evicted; on unregistration it is set when a newer connection
	// already owned the entry and nothing was removed.
	Replaced bool `json:"replaced,omitempty"`
}

type RejectionEventData struct {
	Remote string `json:"remote"`
	Reason string `json:"reason"`
}

type MessageEventData struct {
	Channel   string `json:"channel"`
	Event     string `json:"event,omitempty"`
	Decision  string `json:"decision"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ChatEventData struct {
	UserID     int64  `json:"user_id"`
	User       string `json:"user"`
	Message    string `json:"message"`
	Recipients int    `json:"recipients"`
}

type NotificationsEventData struct {
	UserID int64 `json:"user_id"`
	Count  int   `json:"count"`
}

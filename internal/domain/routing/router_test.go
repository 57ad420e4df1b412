package routing

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notify-relay/internal/domain/registry"
	platformtesting "notify-relay/internal/platform/testing"
)

type emitted struct {
	event string
	data  string
}

type recordingSink struct {
	id   string
	fail error

	mu     sync.Mutex
	events []emitted
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Emit(event string, data any) error {
	if s.fail != nil {
		return s.fail
	}
	raw, _ := data.([]byte)
	if rm, ok := data.(interface{ MarshalJSON() ([]byte, error) }); ok {
		raw, _ = rm.MarshalJSON()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{event: event, data: string(raw)})
	return nil
}

func (s *recordingSink) received() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.events...)
}

func newRouter(t *testing.T) (*Router, *registry.Registry, *platformtesting.LogBuffer) {
	t.Helper()
	logger, logs := platformtesting.SetupTestLogger(t)
	reg := registry.New()
	return New(DefaultScheme("ns"), reg, logger), reg, logs
}

func TestRoute_TargetedUser(t *testing.T) {
	router, reg, _ := newRouter(t)
	connA := &recordingSink{id: "a"}
	connB := &recordingSink{id: "b"}
	reg.Register(42, connA)
	reg.Register(43, connB)

	res := router.Route("ns_private-user.42", []byte(`{"event":"order.updated","data":{"id":7}}`))

	require.NoError(t, res.Dropped)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, Decision{Kind: TargetedUser, ID: 42}, res.Decision)
	assert.Equal(t, []emitted{{event: "order.updated", data: `{"id":7}`}}, connA.received())
	assert.Empty(t, connB.received())
}

func TestRoute_TargetedAuditorSharesRegistry(t *testing.T) {
	router, reg, _ := newRouter(t)
	conn := &recordingSink{id: "aud"}
	reg.Register(99, conn)

	res := router.Route("ns_private-auditor.99", []byte(`{"event":"audit.done","data":"ok"}`))

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []emitted{{event: "audit.done", data: `"ok"`}}, conn.received())
}

func TestRoute_AuditorOffline(t *testing.T) {
	router, reg, logs := newRouter(t)
	other := &recordingSink{id: "other"}
	reg.Register(1, other)

	res := router.Route("ns_private-auditor.99", []byte(`{"event":"audit.done","data":{}}`))

	assert.True(t, errors.Is(res.Dropped, ErrRecipientOffline))
	assert.Equal(t, 0, res.Delivered)
	assert.Empty(t, other.received())
	assert.Equal(t, 1, logs.Count("not connected"))
	assert.Equal(t, 1, logs.Count("[INFO] [Router] auditor 99 not connected"))
	assert.Equal(t, 1, reg.Len())
}

func TestRoute_Broadcast(t *testing.T) {
	for _, channel := range []string{"ns_notification", "ns_laravelchannel"} {
		t.Run(channel, func(t *testing.T) {
			router, reg, _ := newRouter(t)
			sinks := []*recordingSink{{id: "1"}, {id: "2"}, {id: "3"}}
			for i, s := range sinks {
				reg.Register(int64(i+1), s)
			}

			res := router.Route(channel, []byte(`{"event":"maintenance","data":[1,2]}`))

			assert.Equal(t, Broadcast, res.Decision.Kind)
			assert.Equal(t, 3, res.Delivered)
			for _, s := range sinks {
				assert.Equal(t, []emitted{{event: "maintenance", data: `[1,2]`}}, s.received())
			}
		})
	}
}

func TestRoute_BroadcastCountsFailedEmits(t *testing.T) {
	router, reg, logs := newRouter(t)
	ok := &recordingSink{id: "ok"}
	reg.Register(1, ok)
	reg.Register(2, &recordingSink{id: "full", fail: errors.New("send queue full")})

	res := router.Route("ns_notification", []byte(`{"event":"e","data":null}`))

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.NoError(t, res.Dropped)
	assert.Len(t, ok.received(), 1)
	assert.Equal(t, 1, logs.Count("emit e to connection full failed"))
}

func TestRoute_DropsWithoutEmitting(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		body    string
		want    error
		logLine string
	}{
		{"unrecognized", "ns_mystery", `{"event":"x","data":1}`, ErrUnrecognizedChannel, "[WARN] [Router] unrecognized channel ns_mystery"},
		{"invalid user id", "ns_private-user.abc", `{"event":"x","data":1}`, ErrInvalidChannelID, "[WARN] [Router] invalid id in channel ns_private-user.abc"},
		{"invalid auditor id", "ns_private-auditor.", `{"event":"x","data":1}`, ErrInvalidChannelID, "[WARN] [Router] invalid id in channel"},
		{"not json", "ns_private-user.42", `not json`, ErrMalformedMessage, "[ERROR] [Router] dropping message on ns_private-user.42"},
		{"json array", "ns_notification", `[1,2,3]`, ErrMalformedMessage, "[ERROR] [Router]"},
		{"missing event", "ns_notification", `{"data":1}`, ErrMalformedMessage, "missing event"},
		{"non string event", "ns_notification", `{"event":5,"data":1}`, ErrMalformedMessage, "event must be a non-empty string"},
		{"null body", "ns_notification", `null`, ErrMalformedMessage, "body is null"},
		{"empty body", "ns_notification", ``, ErrMalformedMessage, "[ERROR] [Router]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, reg, logs := newRouter(t)
			conn := &recordingSink{id: "a"}
			reg.Register(42, conn)

			var res Result
			assert.NotPanics(t, func() {
				res = router.Route(tt.channel, []byte(tt.body))
			})

			assert.True(t, errors.Is(res.Dropped, tt.want), "got %v", res.Dropped)
			assert.Equal(t, 0, res.Delivered)
			assert.Empty(t, conn.received())
			assert.Equal(t, 1, reg.Len())
			assert.Contains(t, logs.String(), tt.logLine)
		})
	}
}

func TestRoute_MissingDataForwardsNull(t *testing.T) {
	router, reg, _ := newRouter(t)
	conn := &recordingSink{id: "a"}
	reg.Register(5, conn)

	router.Route("ns_private-user.5", []byte(`{"event":"ping"}`))

	assert.Equal(t, []emitted{{event: "ping", data: "null"}}, conn.received())
}

func TestRoute_PreservesOrderPerRecipient(t *testing.T) {
	router, reg, _ := newRouter(t)
	conn := &recordingSink{id: "a"}
	reg.Register(1, conn)

	for _, ev := range []string{"first", "second", "third"} {
		router.Route("ns_private-user.1", []byte(`{"event":"`+ev+`","data":null}`))
	}

	got := conn.received()
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].event)
	assert.Equal(t, "second", got[1].event)
	assert.Equal(t, "third", got[2].event)
}

func TestParseEnvelope_KeepsDataBytes(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"e","data":{"b":2,"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "e", env.Event)
	assert.JSONEq(t, `{"b":2,"a":1}`, string(env.Data))
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notify-relay/internal/domain/eventbus"
	"notify-relay/internal/domain/identity"
	"notify-relay/internal/domain/notification"
	"notify-relay/internal/domain/registry"
	"notify-relay/internal/domain/routing"
	"notify-relay/internal/platform/backend"
	platformtesting "notify-relay/internal/platform/testing"
	"notify-relay/internal/transport/bus"
	"notify-relay/internal/transport/ws"
)

var users = map[string]string{
	"tok-ada": `{"id":42,"name":"Ada","role":"admin"}`,
	"tok-bob": `{"id":7,"name":"Bob"}`,
	"tok-aud": `{"id":99,"name":"Audrey"}`,
}

type env struct {
	mr       *miniredis.Miniredis
	srv      *httptest.Server
	registry *registry.Registry
	relay    *Relay
	stats    *eventbus.Stats
	logs     *platformtesting.LogBuffer
	marked   chan string
}

type envOptions struct {
	failUnread bool
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	logger, logs := platformtesting.SetupTestLogger(t)
	e := &env{logs: logs, marked: make(chan string, 4)}

	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		body, known := users[token]
		if !known {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case backend.PathMe:
			_, _ = io.WriteString(w, body)
		case backend.PathUnread:
			if opts.failUnread {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if token == "tok-ada" {
				_, _ = io.WriteString(w, `{"notifications":[{"id":"n1"},{"id":"n2"}]}`)
				return
			}
			_, _ = io.WriteString(w, `[]`)
		case backend.PathMarkAsRead:
			raw, _ := io.ReadAll(r.Body)
			e.marked <- string(raw)
			_, _ = io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(authority.Close)

	client := backend.New(backend.Options{BaseURL: authority.URL, Timeout: 2 * time.Second})
	events := eventbus.New(1, 256)
	stats, err := eventbus.NewStats(events)
	require.NoError(t, err)
	events.Start()
	t.Cleanup(events.Stop)

	e.registry = registry.New()
	e.stats = stats
	rl := New(Deps{
		Registry:      e.registry,
		Router:        routing.New(routing.DefaultScheme(platformtesting.Namespace), e.registry, logger),
		Notifications: notification.NewService(client, logger),
		Events:        events,
		Logger:        logger,
	})

	e.relay = rl

	ctx, cancel := context.WithCancel(context.Background())

	e.mr = miniredis.RunT(t)
	sub := bus.NewRedisSubscriber(bus.RedisOptions{Addr: e.mr.Addr()}, logger)
	busDone := make(chan struct{})
	go func() {
		_ = sub.Run(ctx, rl.Subscriptions(), rl.HandleBusMessage)
		close(busDone)
	}()

	server := ws.NewServer(ws.ServerConfig{
		Path: "/ws",
		Router: ws.RouterOptions{
			OnReject: func(req *http.Request, err error) { rl.Reject(req.RemoteAddr, err) },
		},
	}, identity.NewVerifier(client, identity.Options{}), logger)
	server.SetHandlerBuilder(rl.BuildSession)
	wsDone := make(chan struct{})
	go func() {
		_ = server.Start(ctx)
		close(wsDone)
	}()

	mux := http.NewServeMux()
	mux.Handle(server.Path(), server.Handler())
	e.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		<-busDone
		<-wsDone
		e.srv.Close()
	})

	platformtesting.Eventually(t, 2*time.Second, func() bool {
		return sub.State() == bus.StateSubscribed && e.mr.PubSubNumPat() == 2 &&
			e.mr.PubSubNumSub("ns_notification")["ns_notification"] == 1
	}, "bus subscribed")
	return e
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) waitRegistered(t *testing.T, userID int64) {
	t.Helper()
	platformtesting.Eventually(t, 2*time.Second, func() bool {
		_, ok := e.registry.Lookup(userID)
		return ok
	}, "user registered")
}

func read(t *testing.T, c *websocket.Conn) ws.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := ws.DecodeFrame(payload)
	require.NoError(t, err)
	return f
}

func send(t *testing.T, c *websocket.Conn, event string, data string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"`+event+`","data":`+data+`}`)))
}

func TestRelay_BacklogThenTargetedDelivery(t *testing.T) {
	e := newEnv(t, envOptions{})
	ada := e.dial(t, "tok-ada")
	bob := e.dial(t, "tok-bob")

	first := read(t, ada)
	second := read(t, ada)
	assert.Equal(t, "notification", first.Event)
	assert.JSONEq(t, `{"id":"n1"}`, string(first.Data))
	assert.JSONEq(t, `{"id":"n2"}`, string(second.Data))
	e.waitRegistered(t, 7)

	e.mr.Publish("ns_private-user.42", `{"event":"order.updated","data":{"id":7}}`)
	got := read(t, ada)
	assert.Equal(t, "order.updated", got.Event)
	assert.JSONEq(t, `{"id":7}`, string(got.Data))

	e.mr.Publish("ns_private-user.42", `{"event":"note","data":{"html": "<b>hi</b> & bye",  "n": [1, 2]}}`)
	require.NoError(t, ada.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ada.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"note","data":{"html": "<b>hi</b> & bye",  "n": [1, 2]}}`, string(raw))

	// Bob's next frame is his own message, so nothing else reached him.
	e.mr.Publish("ns_private-user.7", `{"event":"mine","data":null}`)
	assert.Equal(t, "mine", read(t, bob).Event)
}

func TestRelay_AuditorChannelAndOffline(t *testing.T) {
	e := newEnv(t, envOptions{})
	aud := e.dial(t, "tok-aud")
	e.waitRegistered(t, 99)

	e.mr.Publish("ns_private-auditor.99", `{"event":"audit","data":[1]}`)
	assert.Equal(t, "audit", read(t, aud).Event)

	e.mr.Publish("ns_private-auditor.1234", `{"event":"audit","data":[1]}`)
	platformtesting.Eventually(t, time.Second, func() bool {
		return e.logs.Count("auditor 1234 not connected") == 1
	}, "offline log line")
	assert.Equal(t, 1, e.registry.Len())
}

func TestRelay_BroadcastReachesEveryone(t *testing.T) {
	e := newEnv(t, envOptions{})
	ada := e.dial(t, "tok-ada")
	bob := e.dial(t, "tok-bob")
	read(t, ada)
	read(t, ada)
	e.waitRegistered(t, 7)

	e.mr.Publish("ns_laravelchannel", `{"event":"maintenance","data":{"at":"02:00"}}`)
	for _, c := range []*websocket.Conn{ada, bob} {
		f := read(t, c)
		assert.Equal(t, "maintenance", f.Event)
		assert.JSONEq(t, `{"at":"02:00"}`, string(f.Data))
	}

	e.mr.Publish("ns_notification", `{"event":"notice","data":1}`)
	assert.Equal(t, "notice", read(t, ada).Event)
	assert.Equal(t, "notice", read(t, bob).Event)
}

func TestRelay_ReplacementKeepsNewestConnection(t *testing.T) {
	e := newEnv(t, envOptions{})
	c1 := e.dial(t, "tok-bob")
	e.waitRegistered(t, 7)
	first, _ := e.registry.Lookup(7)

	c2 := e.dial(t, "tok-bob")
	platformtesting.Eventually(t, 2*time.Second, func() bool {
		current, _ := e.registry.Lookup(7)
		return current != nil && current != first
	}, "second connection registered")
	platformtesting.Eventually(t, time.Second, func() bool {
		return e.logs.Count("user 7 reconnected") == 1
	}, "replacement logged")

	e.mr.Publish("ns_private-user.7", `{"event":"to-latest","data":null}`)
	assert.Equal(t, "to-latest", read(t, c2).Event)

	// the replaced connection stays open but its disconnect must not evict c2
	require.NoError(t, c1.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	platformtesting.Eventually(t, 2*time.Second, func() bool {
		return e.logs.Count("user disconnected: Bob") == 1
	}, "first connection gone")

	current, ok := e.registry.Lookup(7)
	require.True(t, ok)
	assert.NotEqual(t, first, current)

	e.mr.Publish("ns_private-user.7", `{"event":"still-here","data":null}`)
	assert.Equal(t, "still-here", read(t, c2).Event)
}

func TestRelay_ChatBroadcast(t *testing.T) {
	e := newEnv(t, envOptions{})
	ada := e.dial(t, "tok-ada")
	bob := e.dial(t, "tok-bob")
	read(t, ada)
	read(t, ada)
	e.waitRegistered(t, 7)

	send(t, bob, "chat:message", `{"not":"a string"}`)
	send(t, bob, "chat:message", `"hello all"`)

	for _, c := range []*websocket.Conn{ada, bob} {
		f := read(t, c)
		assert.Equal(t, "chat:message", f.Event)
		var msg ChatMessage
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.Equal(t, ChatMessage{User: "Bob", Message: "hello all"}, msg)
	}
	assert.Equal(t, 1, e.logs.Count("non-string chat message from user 7 dropped"))
}

func TestRelay_ChatReachesReplacedConnection(t *testing.T) {
	e := newEnv(t, envOptions{})
	old := e.dial(t, "tok-bob")
	e.waitRegistered(t, 7)
	first, _ := e.registry.Lookup(7)

	latest := e.dial(t, "tok-bob")
	platformtesting.Eventually(t, 2*time.Second, func() bool {
		current, _ := e.registry.Lookup(7)
		return current != nil && current != first
	}, "second connection registered")

	send(t, latest, "chat:message", `"from the new tab"`)
	for _, c := range []*websocket.Conn{old, latest} {
		f := read(t, c)
		assert.Equal(t, "chat:message", f.Event)
		assert.JSONEq(t, `{"user":"Bob","message":"from the new tab"}`, string(f.Data))
	}
	assert.Equal(t, 1, e.registry.Len())
}

func TestRelay_MarkAsRead(t *testing.T) {
	e := newEnv(t, envOptions{})
	bob := e.dial(t, "tok-bob")
	e.waitRegistered(t, 7)

	send(t, bob, "notifications:markAsRead", `[]`)
	send(t, bob, "notifications:markAsRead", `"n1"`)
	send(t, bob, "notifications:markAsRead", `[3,"n4"]`)

	select {
	case body := <-e.marked:
		assert.JSONEq(t, `{"ids":[3,"n4"]}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("mark-as-read not forwarded")
	}
	assert.Empty(t, e.marked)

	platformtesting.Eventually(t, time.Second, func() bool {
		return e.stats.Snapshot().NotificationsRead == 2
	}, "read counter")
}

func TestRelay_RejectedHandshakeNeverRegisters(t *testing.T) {
	e := newEnv(t, envOptions{})

	for _, token := range []string{"", "tok-unknown"} {
		u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
		_, resp, err := websocket.DefaultDialer.Dial(u, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	assert.Equal(t, 0, e.registry.Len())
	platformtesting.Eventually(t, time.Second, func() bool {
		return e.stats.Snapshot().ConnectionsRejected == 2
	}, "rejections counted")
}

func TestRelay_BacklogFailureKeepsConnection(t *testing.T) {
	e := newEnv(t, envOptions{failUnread: true})
	ada := e.dial(t, "tok-ada")
	e.waitRegistered(t, 42)

	platformtesting.Eventually(t, time.Second, func() bool {
		return e.logs.Count("[ERROR] [Notifications] fetch unread") == 1
	}, "fetch failure logged")

	e.mr.Publish("ns_private-user.42", `{"event":"still-works","data":null}`)
	assert.Equal(t, "still-works", read(t, ada).Event)
}

func TestRelay_StatsReflectLifecycle(t *testing.T) {
	e := newEnv(t, envOptions{})
	bob := e.dial(t, "tok-bob")
	e.waitRegistered(t, 7)

	e.mr.Publish("ns_private-user.7", `{"event":"a","data":null}`)
	read(t, bob)
	// no subscription matches this channel, so hand it to the relay directly
	e.relay.HandleBusMessage(bus.Message{Channel: "ns_mystery", Payload: []byte(`{"event":"b","data":null}`)})
	e.mr.Publish("ns_private-user.x", `{"event":"c","data":null}`)
	e.mr.Publish("ns_notification", `garbage`)
	e.mr.Publish("ns_private-user.500", `{"event":"d","data":null}`)

	platformtesting.Eventually(t, 2*time.Second, func() bool {
		s := e.stats.Snapshot()
		return s.MessagesRouted == 1 && s.MessagesDropped == 4
	}, "routing counters")

	s := e.stats.Snapshot()
	assert.Equal(t, int64(1), s.ConnectionsOpened)
	assert.Equal(t, int64(1), s.DropReasons[eventbus.ReasonUnrecognized])
	assert.Equal(t, int64(1), s.DropReasons[eventbus.ReasonInvalidID])
	assert.Equal(t, int64(1), s.DropReasons[eventbus.ReasonMalformed])
	assert.Equal(t, int64(1), s.DropReasons[eventbus.ReasonOffline])

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	platformtesting.Eventually(t, 2*time.Second, func() bool {
		return e.stats.Snapshot().ConnectionsClosed == 1 && e.registry.Len() == 0
	}, "disconnect unregisters")
}

func TestSubscriptions(t *testing.T) {
	logger, _ := platformtesting.SetupTestLogger(t)
	reg := registry.New()
	rl := New(Deps{Registry: reg, Router: routing.New(routing.DefaultScheme("ccerp_database"), reg, logger), Logger: logger})

	assert.Equal(t, bus.Subscriptions{
		Channels: []string{"ccerp_database_laravelchannel", "ccerp_database_notification"},
		Patterns: []string{"ccerp_database_private-user.*", "ccerp_database_private-auditor.*"},
	}, rl.Subscriptions())
}

func TestBuildSessionRequiresToken(t *testing.T) {
	rl := New(Deps{})
	_, err := rl.BuildSession(nil, ws.Principal{})
	require.Error(t, err)
}

func TestDropReason(t *testing.T) {
	assert.Equal(t, eventbus.ReasonMalformed, dropReason(routing.ErrMalformedMessage))
	assert.Equal(t, eventbus.ReasonOffline, dropReason(routing.ErrRecipientOffline))
	assert.Equal(t, eventbus.ReasonInvalidID, dropReason(routing.ErrInvalidChannelID))
	assert.Equal(t, eventbus.ReasonUnrecognized, dropReason(routing.ErrUnrecognizedChannel))
}

type fakeSink struct{ id string }

func (f *fakeSink) ID() string             { return f.id }
func (f *fakeSink) Emit(string, any) error { return nil }

func TestAudience(t *testing.T) {
	a := audience{sinks: map[string]registry.Sink{}}
	b1, b2, stale := &fakeSink{id: "b"}, &fakeSink{id: "a"}, &fakeSink{id: "b"}

	a.add(b1)
	a.add(b2)
	a.remove(stale)
	got := a.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID())
	assert.Same(t, b1, got[1])

	a.remove(b1)
	a.remove(b2)
	assert.Empty(t, a.snapshot())
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/postfeed/internal/gql"
	"github.com/darkden-lab/postfeed/internal/posts"
	"github.com/darkden-lab/postfeed/internal/pubsub"
)

type wsEnv struct {
	srv    *httptest.Server
	svc    *posts.Service
	broker *pubsub.Broker[posts.Post]
	hub    *Hub
	author *posts.User
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := pubsub.NewBroker[posts.Post](pubsub.Options{Logger: log})
	svc := posts.NewService(posts.NewMemoryStore(), broker, log)
	exec, err := gql.NewExecutor(svc, broker, log)
	require.NoError(t, err)

	author, err := svc.CreateUser(context.Background(), posts.NewUser{
		Email: "user1@example.com", Username: "user1", Password: "password1",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(log)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewWSHandler(ctx, hub, exec, []string{"http://localhost:3000"}, log))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		broker.Close()
	})
	return &wsEnv{srv: srv, svc: svc, broker: broker, hub: hub, author: author}
}

func (e *wsEnv) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: time.Second}
	conn, _, err := d.Dial(e.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *wsEnv) write(t *testing.T, conn *websocket.Conn, msg message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func (e *wsEnv) read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func (e *wsEnv) initConn(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	e.write(t, conn, message{Type: msgConnectionInit})
	require.Equal(t, msgConnectionAck, e.read(t, conn).Type)
}

func (e *wsEnv) subscribe(t *testing.T, conn *websocket.Conn, id, query string) {
	t.Helper()
	payload, err := json.Marshal(gql.Request{Query: query})
	require.NoError(t, err)
	e.write(t, conn, message{ID: id, Type: msgSubscribe, Payload: payload})
}

func (e *wsEnv) waitListeners(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.broker.Listeners(posts.TopicPostCreated) == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d listeners", n)
}

func (e *wsEnv) createPost(t *testing.T, title string) {
	t.Helper()
	_, err := e.svc.CreatePost(context.Background(), posts.NewPost{Title: title, Content: "body", AuthorID: e.author.ID})
	require.NoError(t, err)
}

// readCloseCode reads until the server closes the connection and returns the
// close code, or -1 when the connection ended without a close frame.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return -1
	}
}

func postCreatedTitle(t *testing.T, msg message) string {
	t.Helper()
	var payload struct {
		Data struct {
			PostCreated struct {
				Title string `json:"title"`
			} `json:"postCreated"`
		} `json:"data"`
		Errors []json.RawMessage `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Empty(t, payload.Errors)
	return payload.Data.PostCreated.Title
}

const postCreatedQuery = `subscription { postCreated { title } }`

func TestSubscription_ReceivesCreatedPost(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "1", postCreatedQuery)
	env.waitListeners(t, 1)

	env.createPost(t, "first")
	env.createPost(t, "second")

	msg := env.read(t, conn)
	assert.Equal(t, msgNext, msg.Type)
	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, "first", postCreatedTitle(t, msg))
	assert.Equal(t, "second", postCreatedTitle(t, env.read(t, conn)))
}

func TestSubscription_NoReplayOfEarlierPosts(t *testing.T) {
	env := newWSEnv(t)
	env.createPost(t, "before")

	conn := env.dial(t)
	env.initConn(t, conn)
	env.subscribe(t, conn, "1", postCreatedQuery)
	env.waitListeners(t, 1)

	env.createPost(t, "after")
	assert.Equal(t, "after", postCreatedTitle(t, env.read(t, conn)))
}

func TestSubscription_TwoClientsBothReceive(t *testing.T) {
	env := newWSEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	env.initConn(t, a)
	env.initConn(t, b)

	env.subscribe(t, a, "sub", postCreatedQuery)
	env.subscribe(t, b, "sub", postCreatedQuery)
	env.waitListeners(t, 2)

	env.createPost(t, "shared")
	assert.Equal(t, "shared", postCreatedTitle(t, env.read(t, a)))
	assert.Equal(t, "shared", postCreatedTitle(t, env.read(t, b)))
}

func TestSubscription_CompleteReleasesListener(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "1", postCreatedQuery)
	env.waitListeners(t, 1)

	env.write(t, conn, message{ID: "1", Type: msgComplete})
	env.waitListeners(t, 0)

	// The id may be reused once completed.
	env.subscribe(t, conn, "1", postCreatedQuery)
	env.waitListeners(t, 1)
	env.createPost(t, "again")
	assert.Equal(t, "again", postCreatedTitle(t, env.read(t, conn)))
}

func TestSubscription_DisconnectReleasesListeners(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "1", postCreatedQuery)
	env.subscribe(t, conn, "2", postCreatedQuery)
	env.waitListeners(t, 2)
	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	env.waitListeners(t, 0)
	require.Eventually(t, func() bool { return env.hub.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Publishing with nobody listening is a no-op.
	env.createPost(t, "unheard")
}

func TestSubscription_DuplicateID(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "1", postCreatedQuery)
	env.waitListeners(t, 1)
	env.subscribe(t, conn, "1", postCreatedQuery)

	assert.Equal(t, closeSubscriberExists, readCloseCode(t, conn))
	env.waitListeners(t, 0)
}

func TestQueryOverWebsocket(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "q", `{ users { username } }`)

	next := env.read(t, conn)
	assert.Equal(t, msgNext, next.Type)
	assert.JSONEq(t, `{"data":{"users":[{"username":"user1"}]}}`, string(next.Payload))

	done := env.read(t, conn)
	assert.Equal(t, msgComplete, done.Type)
	assert.Equal(t, "q", done.ID)
}

func TestSyntaxErrorOverWebsocket(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "bad", `subscription { postCreated `)

	msg := env.read(t, conn)
	assert.Equal(t, msgError, msg.Type)
	assert.Equal(t, "bad", msg.ID)
	var errs []errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &errs))
	require.Len(t, errs, 1)
	assert.NotEmpty(t, errs[0].Message)
	env.waitListeners(t, 0)
}

func TestPingPong(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.write(t, conn, message{Type: msgPing, Payload: []byte(`{"n":1}`)})
	pong := env.read(t, conn)
	assert.Equal(t, msgPong, pong.Type)
	assert.JSONEq(t, `{"n":1}`, string(pong.Payload))
}

func TestSubprotocolRequired(t *testing.T) {
	env := newWSEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, closeSubprotocolMismatch, readCloseCode(t, conn))
}

func TestOriginRejected(t *testing.T) {
	env := newWSEnv(t)
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: time.Second}

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := d.Dial(env.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := d.Dial(env.url(), header)
	require.NoError(t, err)
	conn.Close()
}

func TestServerShutdownClosesClients(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := pubsub.NewBroker[posts.Post](pubsub.Options{Logger: log})
	defer broker.Close()
	exec, err := gql.NewExecutor(posts.NewService(posts.NewMemoryStore(), broker, log), broker, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(log)
	go hub.Run(ctx)
	srv := httptest.NewServer(NewWSHandler(ctx, hub, exec, nil, log))
	defer srv.Close()

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: time.Second}
	conn, _, err := d.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(message{Type: msgConnectionInit}))
	payload, _ := json.Marshal(gql.Request{Query: postCreatedQuery})
	require.NoError(t, conn.WriteJSON(message{ID: "1", Type: msgSubscribe, Payload: payload}))
	require.Eventually(t, func() bool { return broker.Listeners(posts.TopicPostCreated) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	code := readCloseCode(t, conn)
	assert.Contains(t, []int{websocket.CloseGoingAway, -1}, code)
	require.Eventually(t, func() bool { return broker.Listeners(posts.TopicPostCreated) == 0 }, 2*time.Second, 5*time.Millisecond)
}


// assertNoFrame fails if the server sends anything within a short window.
func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func readErrors(t *testing.T, msg message) []errorPayload {
	t.Helper()
	require.Equal(t, msgError, msg.Type, "payload %s", msg.Payload)
	var errs []errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &errs))
	require.NotEmpty(t, errs)
	return errs
}

func TestInvalidSubscriptionReportsError(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "v", `subscription { postCreated { noSuchField } }`)

	msg := env.read(t, conn)
	assert.Equal(t, "v", msg.ID)
	errs := readErrors(t, msg)
	assert.Contains(t, errs[0].Message, "noSuchField")
	assertNoFrame(t, conn)
	env.waitListeners(t, 0)

	// The id is free again once the error has been sent.
	env.subscribe(t, conn, "v", `subscription { postCreated { title } }`)
	env.waitListeners(t, 1)
}

func TestInvalidQueryReportsError(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	env.subscribe(t, conn, "q", `{ users { noSuchField } }`)

	msg := env.read(t, conn)
	assert.Equal(t, "q", msg.ID)
	readErrors(t, msg)
	assertNoFrame(t, conn)
}

func TestSubscribeAfterBrokerClosedReportsError(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	env.initConn(t, conn)

	require.NoError(t, env.broker.Close())
	env.subscribe(t, conn, "late", `subscription { postCreated { title } }`)

	msg := env.read(t, conn)
	assert.Equal(t, "late", msg.ID)
	errs := readErrors(t, msg)
	assert.Contains(t, errs[0].Message, pubsub.ErrClosed.Error())
	assertNoFrame(t, conn)
}

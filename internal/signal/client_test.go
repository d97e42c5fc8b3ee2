package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"streampub/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// edge is a scripted signaling server. reply builds the answer to each
// command; returning nil sends nothing.
type edge struct {
	t     *testing.T
	reply func(msg message) *message
	onWS  func(conn *websocket.Conn)

	mu    sync.Mutex
	token string
	cmds  []message
}

func (e *edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.token = r.URL.Query().Get("token")
	e.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	if e.onWS != nil {
		e.onWS(conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			e.t.Errorf("unmarshal: %v", err)
			return
		}
		e.mu.Lock()
		e.cmds = append(e.cmds, msg)
		e.mu.Unlock()

		if out := e.reply(msg); out != nil {
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}
}

func startEdge(t *testing.T, e *edge) domain.ConnectionData {
	t.Helper()
	e.t = t
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return domain.ConnectionData{
		URLs: []string{"ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"},
		JWT:  "jwt-token",
	}
}

func answerWith(sdp string) func(message) *message {
	return func(msg message) *message {
		data, _ := json.Marshal(publishResult{SDP: sdp, FeedID: "feed-1"})
		return &message{Type: "response", TransID: msg.TransID, Data: data}
	}
}

type recordingHandler struct {
	events chan domain.SignalEvent
}

func (h *recordingHandler) OnSignalEvent(ev domain.SignalEvent) { h.events <- ev }

func TestPublish_ReturnsAnswer(t *testing.T) {
	e := &edge{reply: answerWith("v=0\r\nanswer-sdp")}
	conn := startEdge(t, e)

	c := NewClient(nil)
	defer c.Close()

	answer, err := c.Publish(context.Background(), conn, domain.PublishRequest{
		StreamName: "demo",
		Offer:      domain.SDPPayload{Type: "offer", SDP: "v=0\r\noffer-sdp"},
		Codec:      "h264",
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, "v=0\r\nanswer-sdp", answer.SDP)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, "jwt-token", e.token)
	require.Len(t, e.cmds, 1)
	assert.Equal(t, "cmd", e.cmds[0].Type)
	assert.Equal(t, "publish", e.cmds[0].Name)

	var data publishData
	require.NoError(t, json.Unmarshal(e.cmds[0].Data, &data))
	assert.Equal(t, "demo", data.Name)
	assert.Equal(t, "v=0\r\noffer-sdp", data.SDP)
	assert.Equal(t, "h264", data.Codec)
	assert.Contains(t, data.Events, "viewercount")
}

func TestPublish_ErrorReply(t *testing.T) {
	e := &edge{reply: func(msg message) *message {
		return &message{Type: "error", TransID: msg.TransID, Data: json.RawMessage(`"Unauthorized"`)}
	}}
	conn := startEdge(t, e)

	c := NewClient(nil)
	defer c.Close()

	_, err := c.Publish(context.Background(), conn, domain.PublishRequest{StreamName: "demo"})

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "publish", cmdErr.Command)
	assert.Equal(t, "Unauthorized", cmdErr.Message)
}

func TestPublish_ContextCancelled(t *testing.T) {
	e := &edge{reply: func(message) *message { return nil }}
	conn := startEdge(t, e)

	c := NewClient(nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Publish(ctx, conn, domain.PublishRequest{StreamName: "demo"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublish_CloseWhilePending(t *testing.T) {
	received := make(chan struct{})
	e := &edge{reply: func(message) *message {
		close(received)
		return nil
	}}
	conn := startEdge(t, e)

	c := NewClient(nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), conn, domain.PublishRequest{StreamName: "demo"})
		errCh <- err
	}()

	<-received
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return after Close")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	conn := startEdge(t, &edge{reply: answerWith("v=0")})

	c := NewClient(nil)
	require.NoError(t, c.Close())

	_, err := c.Publish(context.Background(), conn, domain.PublishRequest{StreamName: "demo"})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestPublish_NoURL(t *testing.T) {
	c := NewClient(nil)
	defer c.Close()

	_, err := c.Publish(context.Background(), domain.ConnectionData{}, domain.PublishRequest{})
	assert.Error(t, err)
}

func TestEventsReachHandler(t *testing.T) {
	e := &edge{reply: answerWith("v=0")}
	e.onWS = func(conn *websocket.Conn) {
		_ = conn.WriteJSON(message{Type: "event", Name: "viewercount", Data: json.RawMessage(`{"viewercount":3}`)})
	}
	conn := startEdge(t, e)

	h := &recordingHandler{events: make(chan domain.SignalEvent, 1)}
	c := NewClient(h)
	defer c.Close()

	_, err := c.Publish(context.Background(), conn, domain.PublishRequest{StreamName: "demo"})
	require.NoError(t, err)

	select {
	case ev := <-h.events:
		assert.Equal(t, "viewercount", ev.Name)
		assert.JSONEq(t, `{"viewercount":3}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewClient(nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "plain", errorText(json.RawMessage(`"plain"`)))
	assert.Equal(t, "nested", errorText(json.RawMessage(`{"message":"nested"}`)))
	assert.Equal(t, `{"code":4}`, errorText(json.RawMessage(`{"code":4}`)))
}

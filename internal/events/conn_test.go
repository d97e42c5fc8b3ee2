package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streampub/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func record(s string) string { return s + "\x1e" }

// startHub runs handle on every accepted connection and returns a ws:// url.
func startHub(t *testing.T, handle func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readRecord(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Errorf("read: %v", err)
		return nil
	}
	if !bytes.HasSuffix(data, []byte{recordSeparator}) {
		t.Errorf("record %q lacks separator", data)
	}
	return bytes.TrimSuffix(data, []byte{recordSeparator})
}

func receive(t *testing.T, ch <-chan domain.Message) domain.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return domain.Message{}
	}
}

func TestConn_HandshakeAndMessages(t *testing.T) {
	subscribed := make(chan domain.SubscribeRequest, 1)

	url := startHub(t, func(ws *websocket.Conn) {
		assert.JSONEq(t, `{"protocol":"json","version":1}`, string(readRecord(t, ws)))
		// Handshake reply and a first invocation share one frame.
		_ = ws.WriteMessage(websocket.TextMessage, []byte(record(`{}`)+record(`{"type":6}`)))

		var req domain.SubscribeRequest
		if err := json.Unmarshal(readRecord(t, ws), &req); err == nil {
			subscribed <- req
		}

		frame := record(`{"type":1,"target":"SubscribeViewerCountResponse","arguments":[{"streamId":"acc/s1","count":4}]}`) +
			record(`{"type":3,"invocationId":"0","error":"denied","arguments":{"streamId":"acc/s1"}}`)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(record(`{"type":7}`)))

		_, _, _ = ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Handshake(context.Background()))
	require.NoError(t, conn.Subscribe(domain.SubscribeRequest{
		Arguments:    [][]string{{"acc/s1"}},
		InvocationID: "0",
		StreamIDs:    []string{},
		Target:       domain.TargetSubscribeViewerCount,
		Type:         domain.MessageTypeRequest,
	}))

	select {
	case req := <-subscribed:
		assert.Equal(t, domain.TargetSubscribeViewerCount, req.Target)
		assert.Equal(t, "0", req.InvocationID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe not received")
	}

	first := receive(t, conn.Messages())
	assert.Equal(t, domain.MessageTypeRequest, first.Type)
	assert.JSONEq(t, `[{"streamId":"acc/s1","count":4}]`, string(first.Arguments))

	second := receive(t, conn.Messages())
	assert.Equal(t, domain.MessageTypeResponse, second.Type)
	assert.Equal(t, "denied", second.Error)

	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok, "close message must end the stream")
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestConn_HandshakeRejected(t *testing.T) {
	url := startHub(t, func(ws *websocket.Conn) {
		readRecord(t, ws)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(record(`{"error":"protocol not supported"}`)))
		_, _, _ = ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Handshake(context.Background())
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "protocol not supported", hsErr.Reason)
}

func TestConn_HandshakeTimeout(t *testing.T) {
	url := startHub(t, func(ws *websocket.Conn) {
		_, _, _ = ws.ReadMessage()
		_, _, _ = ws.ReadMessage()
	})

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, conn.Handshake(ctx))
}

func TestConn_CloseBeforeHandshakeEndsStream(t *testing.T) {
	url := startHub(t, func(ws *websocket.Conn) { _, _, _ = ws.ReadMessage() })

	conn, err := Dial(context.Background(), url)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, ok := <-conn.Messages()
	assert.False(t, ok)
}

func TestInitWithDialFactory(t *testing.T) {
	url := startHub(t, func(ws *websocket.Conn) {
		readRecord(t, ws)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(record(`{}`)))
		readRecord(t, ws)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(record(
			`{"type":1,"target":"SubscribeViewerCountResponse","arguments":[{"streamId":"acc/demo","count":12}]}`)))
		_, _, _ = ws.ReadMessage()
	})

	s, err := Init(context.Background(), DialFactory(url))
	require.NoError(t, err)
	defer s.Stop()

	got := make(chan domain.ViewerCount, 1)
	require.NoError(t, s.OnUserCount("acc", "demo", func(vc domain.ViewerCount) { got <- vc }))

	select {
	case vc := <-got:
		assert.Equal(t, domain.ViewerCount{StreamID: "acc/demo", Count: 12}, vc)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer count not delivered")
	}
}

func TestSplitRecords(t *testing.T) {
	recs := splitRecords([]byte("{}\x1e\x1e{\"type\":6}\x1e\n"))
	require.Len(t, recs, 2)
	assert.Equal(t, "{}", string(recs[0]))
	assert.Equal(t, `{"type":6}`, string(recs[1]))
}

package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"attendance-service/internal/model"
)

type countingAcker struct {
	mu   sync.Mutex
	acks map[string]int
	hit  chan struct{}
}

func newCountingAcker() *countingAcker {
	return &countingAcker{acks: make(map[string]int), hit: make(chan struct{}, 8)}
}

func (a *countingAcker) Acknowledge(sessionID string) error {
	a.mu.Lock()
	a.acks[sessionID]++
	a.mu.Unlock()
	a.hit <- struct{}{}
	return nil
}

type feedServer struct {
	hub     *Hub
	srv     *httptest.Server
	closeCh map[string]chan struct{}
	mu      sync.Mutex
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{hub: NewHub(zap.NewNop()), closeCh: make(map[string]chan struct{})}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		initial := &model.TokenView{Value: "tok-1", Sequence: 1, SecondsRemaining: 30}
		fs.hub.Serve(conn, id, initial, fs.done(id))
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) done(id string) chan struct{} {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ch, ok := fs.closeCh[id]
	if !ok {
		ch = make(chan struct{})
		fs.closeCh[id] = ch
	}
	return ch
}

func (fs *feedServer) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestFeedPushesRotations(t *testing.T) {
	fs := newFeedServer(t)
	conn := fs.dial(t, "s1")

	if f := readFrame(t, conn); f.Type != FrameToken || f.SequenceNumber != 1 || f.TokenValue != "tok-1" {
		t.Fatalf("initial frame = %+v", f)
	}

	fs.hub.TokenRotated("s1", model.TokenView{Value: "tok-2", Sequence: 2, SecondsRemaining: 30})
	fs.hub.TokenRotated("other", model.TokenView{Value: "x", Sequence: 9})

	f := readFrame(t, conn)
	if f.SequenceNumber != 2 || f.TokenValue != "tok-2" || f.SecondsRemaining != 30 {
		t.Errorf("rotation frame = %+v", f)
	}
}

func TestFeedSessionClosedFrame(t *testing.T) {
	fs := newFeedServer(t)
	conn := fs.dial(t, "s1")
	readFrame(t, conn)

	fs.hub.SessionClosed("s1", model.CloseRotationFailure)

	f := readFrame(t, conn)
	if f.Type != FrameSessionClosed || f.Reason != string(model.CloseRotationFailure) {
		t.Fatalf("close frame = %+v", f)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestFeedClosesWhenSessionDone(t *testing.T) {
	fs := newFeedServer(t)
	conn := fs.dial(t, "s1")
	readFrame(t, conn)

	close(fs.done("s1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestFeedAckReachesAcknowledger(t *testing.T) {
	fs := newFeedServer(t)
	acker := newCountingAcker()
	fs.hub.BindAcknowledger(acker)

	conn := fs.dial(t, "s1")
	readFrame(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "ack"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "noise"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-acker.hit:
	case <-time.After(2 * time.Second):
		t.Fatal("ack not delivered")
	}
	acker.mu.Lock()
	defer acker.mu.Unlock()
	if acker.acks["s1"] != 1 {
		t.Errorf("acks = %d, want 1", acker.acks["s1"])
	}
}

func TestFeedUnregistersOnDisconnect(t *testing.T) {
	fs := newFeedServer(t)
	conn := fs.dial(t, "s1")
	readFrame(t, conn)

	if got := fs.hub.Subscribers("s1"); got != 1 {
		t.Fatalf("Subscribers = %d, want 1", got)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fs.hub.Subscribers("s1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueDropsOldest(t *testing.T) {
	c := newClient(NewHub(zap.NewNop()), nil, "s")
	for i := 1; i <= sendBuffer+3; i++ {
		c.enqueue(Frame{Type: FrameToken, SequenceNumber: uint64(i)})
	}

	if len(c.send) != sendBuffer {
		t.Fatalf("queued %d, want %d", len(c.send), sendBuffer)
	}
	first := <-c.send
	if first.SequenceNumber != 4 {
		t.Errorf("oldest kept frame = %d, want 4", first.SequenceNumber)
	}
}

func TestTokenFrameKeepsZeroFields(t *testing.T) {
	raw, err := json.Marshal(tokenFrame(model.TokenView{Value: "tok", Sequence: 3}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := got["seconds_remaining"]; !ok || v.(float64) != 0 {
		t.Errorf("seconds_remaining = %v (present %v), want 0", v, ok)
	}

	// The poll endpoint encodes model.TokenView; both surfaces must use the same keys.
	view, err := json.Marshal(model.TokenView{Value: "tok", Sequence: 3})
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	var polled map[string]interface{}
	if err := json.Unmarshal(view, &polled); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	for _, key := range []string{"token_value", "sequence_number", "seconds_remaining"} {
		if _, ok := got[key]; !ok {
			t.Errorf("feed frame missing %q", key)
		}
		if _, ok := polled[key]; !ok {
			t.Errorf("token view missing %q", key)
		}
	}
}

func TestCloseFrameOmitsTokenFields(t *testing.T) {
	raw, err := json.Marshal(Frame{Type: FrameSessionClosed, Reason: "idle_timeout"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "token_value") {
		t.Errorf("close frame carries token fields: %s", raw)
	}
}

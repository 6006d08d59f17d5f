package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/calorisense/calorisense/internal/dispatch"
	"github.com/calorisense/calorisense/internal/intent"
)

type fakeDispatcher struct {
	calls  atomic.Int32
	result dispatch.Result
	err    error
	stream []string
}

func (f *fakeDispatcher) Handle(ctx context.Context, userID, message string, sink dispatch.StreamSink) (dispatch.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	if len(f.stream) > 0 && sink != nil {
		if err := sink.Start(); err != nil {
			return dispatch.Result{}, err
		}
		for _, tok := range f.stream {
			if err := sink.Token(tok); err != nil {
				return dispatch.Result{}, err
			}
		}
		if err := sink.End(); err != nil {
			return dispatch.Result{}, err
		}
	}
	return f.result, nil
}

func dialChat(t *testing.T, d Dispatcher) *websocket.Conn {
	t.Helper()
	router := chi.NewRouter()
	router.Get("/chat/ws/{userID}", NewHandler(d, nil).Serve)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/alice@example.com"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	var frame outboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func TestServe_CompletedFrame(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{
		Reply:       "Done! Your weight has been updated.",
		Intent:      intent.Weight,
		InfoUpdated: true,
	}}
	conn := dialChat(t, d)

	if err := conn.WriteJSON(map[string]string{"message": "I weigh 82kg"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if frame := readFrame(t, conn); frame.Status != statusProcessing {
		t.Errorf("first frame status = %q, want %q", frame.Status, statusProcessing)
	}
	frame := readFrame(t, conn)
	if frame.Status != statusCompleted {
		t.Fatalf("second frame status = %q, want %q", frame.Status, statusCompleted)
	}
	if frame.Reply != d.result.Reply {
		t.Errorf("reply = %q", frame.Reply)
	}
	if frame.Intent != "weight" || !frame.InfoUpdated {
		t.Errorf("intent = %q, info_updated = %v", frame.Intent, frame.InfoUpdated)
	}
}

func TestServe_StreamingFrames(t *testing.T) {
	d := &fakeDispatcher{
		stream: []string{"Hello", " there"},
		result: dispatch.Result{Reply: "Hello there", Streamed: true},
	}
	conn := dialChat(t, d)

	if err := conn.WriteJSON(map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	wantStatuses := []string{
		statusProcessing,
		statusStreamingStart,
		statusStreamingToken,
		statusStreamingToken,
		statusStreamingEnd,
		statusCompleted,
	}
	var tokens []string
	for i, want := range wantStatuses {
		frame := readFrame(t, conn)
		if frame.Status != want {
			t.Fatalf("frame %d status = %q, want %q", i, frame.Status, want)
		}
		if frame.Status == statusStreamingToken {
			tokens = append(tokens, frame.Token)
		}
		if frame.Status == statusCompleted && frame.Reply != "Hello there" {
			t.Errorf("completed reply = %q", frame.Reply)
		}
	}
	if joined := strings.Join(tokens, ""); joined != "Hello there" {
		t.Errorf("streamed tokens = %q", joined)
	}
}

func TestServe_ErrorFrame(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("upstream unavailable")}
	conn := dialChat(t, d)

	if err := conn.WriteJSON(map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if frame := readFrame(t, conn); frame.Status != statusProcessing {
		t.Fatalf("first frame status = %q", frame.Status)
	}
	frame := readFrame(t, conn)
	if frame.Status != statusError {
		t.Fatalf("status = %q, want %q", frame.Status, statusError)
	}
	if !strings.Contains(frame.Message, "upstream unavailable") {
		t.Errorf("error message = %q", frame.Message)
	}
}

func TestServe_MalformedFrameDoesNotDispatch(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Reply: "ok"}}
	conn := dialChat(t, d)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Status != statusError {
		t.Fatalf("status = %q, want %q", frame.Status, statusError)
	}
	if n := d.calls.Load(); n != 0 {
		t.Errorf("dispatch calls = %d, want 0 for a malformed frame", n)
	}

	// The connection survives: a valid frame still goes through.
	if err := conn.WriteJSON(map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Status != statusProcessing {
		t.Errorf("status = %q, want %q", frame.Status, statusProcessing)
	}
	if frame := readFrame(t, conn); frame.Status != statusCompleted {
		t.Errorf("status = %q, want %q", frame.Status, statusCompleted)
	}
	if n := d.calls.Load(); n != 1 {
		t.Errorf("dispatch calls = %d, want 1", n)
	}
}

func TestServe_EmptyMessageRejected(t *testing.T) {
	d := &fakeDispatcher{}
	conn := dialChat(t, d)

	if err := conn.WriteJSON(map[string]string{"message": "   "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Status != statusError {
		t.Fatalf("status = %q, want %q", frame.Status, statusError)
	}
	if n := d.calls.Load(); n != 0 {
		t.Errorf("dispatch calls = %d, want 0", n)
	}
}

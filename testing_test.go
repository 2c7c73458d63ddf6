package mtgox_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gray/mtgox"
)

func TestTestHandshake(t *testing.T) {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/socket.io/1", nil)

	mtgox.TestHandshake(recorder, req)

	equals(t, "handshake body", "abc123:20:60:websocket", recorder.Body.String())
}

func TestTestCompleteHandler(t *testing.T) {
	ts := newTestServer(http.HandlerFunc(mtgox.TestCompleteHandler), false)
	defer ts.Close()

	msgs := make(chan string, 16)
	c := newTestClient(ts)
	c.HandleMessage = func(v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			t.Errorf("unexpected payload type %T", v)
			return
		}
		select {
		case msgs <- m["private"].(string):
		default:
		}
	}
	c.HandleError = func(err error) { t.Errorf("unexpected error: %v", err) }

	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	equals(t, "session", mtgox.Session{ID: "abc123", HeartbeatInterval: 20}, conn.Session())

	select {
	case private := <-msgs:
		equals(t, "sample payload", "ticker", private)
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for a sample payload")
	}
}

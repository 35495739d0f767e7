package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// tickerServer accepts one connection, checks the subscription and replays
// frames before closing normally.
func tickerServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub controlMessage
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Type != "subscribe" || sub.Topic != "/market/ticker:BTC-USDT" {
			t.Errorf("subscribe = %+v", sub)
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the client to acknowledge before tearing down.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tickFrame(topic string, ms int64, price string) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "message",
		"topic": topic,
		"data":  map[string]any{"time": ms, "price": price, "size": "0.5"},
	})
	return string(b)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamSourceBars(t *testing.T) {
	topic := "/market/ticker:BTC-USDT"
	frames := []string{
		`{"type":"welcome","id":"1"}`,
		`{"type":"ack","id":"sub"}`,
		tickFrame(topic, 1_700_000_040_000, "100"),
		tickFrame(topic, 1_700_000_050_000, "101"),
		tickFrame("/market/ticker:ETH-USDT", 1_700_000_055_000, "5"),
		tickFrame(topic, 1_700_000_100_000, "99"),
	}
	srv := tickerServer(t, frames)

	src, err := NewStreamSource(StreamConfig{URL: wsURL(srv), Symbol: "BTC-USDT", StepSeconds: 60}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Close()

	first, ok, err := src.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next #1: ok=%v err=%v", ok, err)
	}
	if first.Timestamp != 1_700_000_040 || first.Open != 100 || first.Close != 101 || first.Volume != 1 {
		t.Errorf("first bar = %+v", first)
	}

	second, ok, err := src.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next #2: ok=%v err=%v", ok, err)
	}
	if second.Timestamp != 1_700_000_100-1_700_000_100%60 || second.Close != 99 {
		t.Errorf("second bar = %+v", second)
	}

	if _, ok, err := src.Next(ctx); ok || err != nil {
		t.Errorf("end of stream = ok %v err %v, want false nil", ok, err)
	}
}

func TestStreamSourceMissingData(t *testing.T) {
	srv := tickerServer(t, []string{`{"type":"message","topic":"/market/ticker:BTC-USDT"}`})
	src, err := NewStreamSource(StreamConfig{URL: wsURL(srv), Symbol: "BTC-USDT", StepSeconds: 60}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Close()

	if _, _, err := src.Next(ctx); err == nil || !strings.Contains(err.Error(), "missing data") {
		t.Errorf("err = %v, want missing data", err)
	}
}

func TestNewStreamSourceValidation(t *testing.T) {
	if _, err := NewStreamSource(StreamConfig{Symbol: "X", StepSeconds: 60}, nil); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := NewStreamSource(StreamConfig{URL: "ws://x", StepSeconds: 60}, nil); err == nil {
		t.Error("expected error for missing symbol")
	}
	if _, err := NewStreamSource(StreamConfig{URL: "ws://x", Symbol: "X"}, nil); err == nil {
		t.Error("expected error for zero step")
	}
}

func TestStreamSourceDialError(t *testing.T) {
	src, err := NewStreamSource(StreamConfig{URL: "ws://127.0.0.1:1", Symbol: "X", StepSeconds: 60}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := src.Connect(ctx); err == nil {
		t.Error("expected dial error")
	}
}

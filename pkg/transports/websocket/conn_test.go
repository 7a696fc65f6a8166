package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/transports"
)

func echoServer(t *testing.T, closeCode int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, "server done"))
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnPreservesWriteOrder(t *testing.T) {
	srv := echoServer(t, websocket.CloseNormalClosure)
	d := NewDialer(Config{HandshakeTimeout: time.Second}, nil)
	conn, err := d.Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(transports.CloseNormalClosure, "")

	if err := conn.WriteMessage(transports.Message{Type: transports.TextMessage, Data: []byte("auth")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(transports.Message{Type: transports.BinaryMessage, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	first, err := conn.ReadMessage()
	if err != nil || first.Type != transports.TextMessage || string(first.Data) != "auth" {
		t.Fatalf("expected auth echo first, got %+v err=%v", first, err)
	}
	for i := 0; i < 5; i++ {
		msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != transports.BinaryMessage || msg.Data[0] != byte(i) {
			t.Fatalf("out of order frame %d: %+v", i, msg)
		}
	}
}

func TestConnSurfacesPeerCloseCode(t *testing.T) {
	srv := echoServer(t, 4001)
	conn, err := NewDialer(Config{}, nil).Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(transports.CloseNormalClosure, "")
	_ = conn.WriteMessage(transports.Message{Type: transports.TextMessage, Data: []byte("bye")})

	_, err = conn.ReadMessage()
	ce, ok := transports.AsCloseError(err)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != 4001 || ce.Normal() {
		t.Fatalf("unexpected close %+v", ce)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	srv := echoServer(t, websocket.CloseNormalClosure)
	conn, err := NewDialer(Config{}, nil).Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(transports.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(transports.CloseNormalClosure, "again"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := conn.WriteMessage(transports.Message{Type: transports.BinaryMessage}); err != transports.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialFailureHasReason(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := NewDialer(Config{}, nil).Dial(context.Background(), wsURL(srv), nil)
	if !errorsx.HasReason(err, errorsx.ReasonTransportDial) {
		t.Fatalf("expected transport_dial, got %v", err)
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"averagerule/internal/models"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()
	waitForClients(t, hub, 2)

	n := models.NewNotification("Average", models.ReasonTriggered, []string{"sinusoid"}, time.Now())
	if err := hub.PublishBatch(ctx, []*models.Notification{n}); err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if msg.Type != "notification" || msg.Payload.Reason != models.ReasonTriggered || msg.Payload.Assets[0] != "sinusoid" {
			t.Errorf("frame = %s", data)
		}
	}

	a.Close()
	waitForClients(t, hub, 1)
}

func TestHubStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	cancel()
	<-stopped

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after hub stop")
	}

	n := models.NewNotification("Average", models.ReasonCleared, nil, time.Now())
	for i := 0; i < cap(hub.broadcast)+1; i++ {
		if err := hub.Publish(context.Background(), n); errors.Is(err, ErrHubStopped) {
			return
		}
	}
	t.Error("Publish never reported ErrHubStopped")
}

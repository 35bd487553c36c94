package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logr.Discard())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", n, hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) saga.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var event saga.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

func TestSagaFeed_BroadcastsToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	all := dial(t, url)
	filtered := dial(t, url+"?topic=order-42")
	waitSubscribers(t, hub, 2)

	feed := NewSagaFeed(hub, observability.NewMetrics())
	feed.Publish(saga.Event{SagaKey: "order-7", State: saga.StateStarted})
	feed.Publish(saga.Event{SagaKey: "order-42", State: saga.StateFailed, Step: saga.StepChargePayment})

	if got := readEvent(t, all); got.SagaKey != "order-7" {
		t.Fatalf("expected order-7 first, got %+v", got)
	}
	if got := readEvent(t, all); got.SagaKey != "order-42" {
		t.Fatalf("expected order-42 second, got %+v", got)
	}
	got := readEvent(t, filtered)
	if got.SagaKey != "order-42" || got.State != saga.StateFailed || got.Step != saga.StepChargePayment {
		t.Fatalf("filtered subscriber got %+v", got)
	}
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	conn := dial(t, url)
	waitSubscribers(t, hub, 1)

	_ = conn.Close()
	waitSubscribers(t, hub, 0)
}

func TestSagaFeed_DropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(logr.Discard())
	metrics := observability.NewMetrics()
	feed := NewSagaFeed(hub, metrics)

	for i := 0; i < broadcastBuffer; i++ {
		if !hub.Publish(Message{Topic: "t", Data: []byte("x")}) {
			t.Fatalf("publish %d should be queued", i)
		}
	}
	feed.Publish(saga.Event{SagaKey: "t"})

	if hub.Dropped() != 1 || metrics.Snapshot().Counters["realtime.dropped"] != 1 {
		t.Fatalf("expected one dropped event, got %d", hub.Dropped())
	}
}

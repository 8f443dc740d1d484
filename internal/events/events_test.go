package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitloss-labs/bitloss/internal/logging"
)

func TestRingBuffer_Publish(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := logging.WithTraceID(context.Background(), "trace-1")

	rb.Publish(ctx, Event{Type: ArtifactDestroyed, ArtifactID: "a1", UserID: "u1"})

	if rb.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", rb.Count())
	}
	got := rb.Recent(1)[0]
	if got.ID == "" {
		t.Error("ID should be generated")
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if got.TraceID != "trace-1" {
		t.Errorf("TraceID = %q, want trace-1", got.TraceID)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		rb.Publish(context.Background(), Event{Type: ArtifactArchived, ArtifactID: id})
	}

	if rb.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", rb.Count())
	}
	recent := rb.Recent(10)
	var ids []string
	for _, e := range recent {
		ids = append(ids, e.ArtifactID)
	}
	if strings.Join(ids, "") != "edc" {
		t.Errorf("Recent() = %v, want newest first [e d c]", ids)
	}
}

func TestRingBuffer_RecentByArtifact(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Publish(context.Background(), Event{Type: SecretPurged, ArtifactID: "a1"})
	rb.Publish(context.Background(), Event{Type: ArtifactUploaded, ArtifactID: "a2"})
	rb.Publish(context.Background(), Event{Type: ArtifactDestroyed, ArtifactID: "a1"})

	got := rb.RecentByArtifact("a1", 5)
	if len(got) != 2 || got[0].Type != ArtifactDestroyed || got[1].Type != SecretPurged {
		t.Errorf("RecentByArtifact() = %v", got)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)
	var all, filtered int32

	cancelAll := rb.Subscribe(func(Event) { atomic.AddInt32(&all, 1) })
	rb.SubscribeFiltered(func(e Event) bool { return e.Type == ArtifactDestroyed }, func(Event) {
		atomic.AddInt32(&filtered, 1)
	})

	rb.Publish(context.Background(), Event{Type: ArtifactDestroyed})
	rb.Publish(context.Background(), Event{Type: ArtifactUploaded})
	cancelAll()
	rb.Publish(context.Background(), Event{Type: ArtifactDestroyed})

	if got := atomic.LoadInt32(&all); got != 2 {
		t.Errorf("unfiltered handler calls = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&filtered); got != 2 {
		t.Errorf("filtered handler calls = %d, want 2", got)
	}
}

func TestHub_StreamsBacklogThenLive(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Publish(context.Background(), Event{Type: ArtifactUploaded, ArtifactID: "old"})

	server := httptest.NewServer(NewHub(rb, nil, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if first.ArtifactID != "old" {
		t.Errorf("backlog event = %+v", first)
	}

	// The subscription is registered before the backlog is written, so an
	// event published now is delivered.
	rb.Publish(context.Background(), Event{Type: ArtifactDestroyed, ArtifactID: "live"})

	var second Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if second.ArtifactID != "live" || second.Type != ArtifactDestroyed {
		t.Errorf("live event = %+v", second)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(NewRingBuffer(1), func(origin string) bool { return origin == "https://bitloss.app" }, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Errorf("status = %v, want 403", resp)
	}
}

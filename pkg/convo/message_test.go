package convo

import (
	"testing"
	"time"
)

func TestMessageIDsAreUniqueAndOrdered(t *testing.T) {
	now := time.Now()
	const n = 1000
	seen := make(map[string]bool, n)
	prev := ""
	for i := 0; i < n; i++ {
		id := newMessageID(now)
		if seen[id] {
			t.Fatalf("duplicate id %q at iteration %d", id, i)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("id %q not greater than predecessor %q", id, prev)
		}
		prev = id
	}
}

func TestMessageIDsOrderedAcrossTimestamps(t *testing.T) {
	early := newMessageID(time.Now())
	late := newMessageID(time.Now().Add(time.Second))
	if late <= early {
		t.Fatalf("later timestamp produced smaller id: %q <= %q", late, early)
	}
}

func TestNewMessage(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	msg := newMessage(RoleUser, "hola", StatusCompleted, at)
	if msg.Role != RoleUser || msg.Text != "hola" || msg.Status != StatusCompleted {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !msg.CreatedAt.Equal(at) {
		t.Fatalf("created at = %v, want %v", msg.CreatedAt, at)
	}
	if msg.ID == "" {
		t.Fatalf("empty id")
	}
}

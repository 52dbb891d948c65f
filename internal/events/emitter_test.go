package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestEmit_AppendsToLog(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	em := NewEmitter(rdb, zap.NewNop())
	ctx := context.Background()

	em.Emit(ctx, Event{
		Type:      TypeProofSubmitted,
		SessionID: "sess-1",
		Fields:    map[string]string{"units": "100", "proof_cid": "bafy123"},
	})
	em.Emit(ctx, Event{Type: TypeSessionCompleted, SessionID: "sess-1"})

	items, err := rdb.LRange(ctx, LogKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(items))
	}

	var first Event
	if err := json.Unmarshal([]byte(items[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Type != TypeProofSubmitted {
		t.Errorf("type: got %q", first.Type)
	}
	if first.SessionID != "sess-1" {
		t.Errorf("session_id: got %q", first.SessionID)
	}
	if first.Fields["units"] != "100" {
		t.Errorf("units field: got %q", first.Fields["units"])
	}
	if first.At == 0 {
		t.Error("At not stamped")
	}
}

func TestEmit_OrderPreserved(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	em := NewEmitter(rdb, zap.NewNop())
	ctx := context.Background()

	for _, typ := range []string{TypeSessionCreated, TypeProofSubmitted, TypeSessionCompleted} {
		em.Emit(ctx, Event{Type: typ, SessionID: "s"})
	}

	items, _ := rdb.LRange(ctx, LogKey, 0, -1).Result()
	want := []string{TypeSessionCreated, TypeProofSubmitted, TypeSessionCompleted}
	for i, raw := range items {
		var ev Event
		json.Unmarshal([]byte(raw), &ev) //nolint:errcheck
		if ev.Type != want[i] {
			t.Errorf("[%d] type: got %q want %q", i, ev.Type, want[i])
		}
	}
}

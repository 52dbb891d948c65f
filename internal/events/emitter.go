// Package events publishes settlement lifecycle notifications for off-chain
// indexers and SDKs. Events carry only compact commitments (hashes and
// locators), never raw proof payloads. Each event is appended to a durable
// Redis list and published on a live channel consumed by the WebSocket feed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// LogKey is the durable, ordered event log.
	LogKey = "escrow:events"
	// LiveChannel carries the same events over pub/sub for connected feeds.
	LiveChannel = "escrow:events:live"
)

// Event types.
const (
	TypeSessionCreated        = "session-created"
	TypeProofSubmitted        = "proof-submitted"
	TypeSessionCompleted      = "session-completed"
	TypeSessionCancelled      = "session-cancelled"
	TypeCurrencyAccepted      = "currency-accepted"
	TypeTreasuryFeesWithdrawn = "treasury-fees-withdrawn"
)

type Event struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	At        int64             `json:"at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type Emitter struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewEmitter(rdb *redis.Client, log *zap.Logger) *Emitter {
	return &Emitter{rdb: rdb, log: log}
}

// Emit records the event. Emission failures are logged, not propagated:
// notifications are advisory and must never fail a settlement that has
// already moved value.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.At == 0 {
		ev.At = time.Now().Unix()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		e.log.Error("emit: marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := e.rdb.RPush(ctx, LogKey, string(raw)).Err(); err != nil {
		e.log.Error("emit: append event log", zap.String("type", ev.Type), zap.Error(err))
	}
	if err := e.rdb.Publish(ctx, LiveChannel, string(raw)).Err(); err != nil {
		e.log.Warn("emit: publish live event", zap.String("type", ev.Type), zap.Error(err))
	}
}

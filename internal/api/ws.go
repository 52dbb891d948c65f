package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is public read-only broadcast; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventFeed streams the live settlement event channel to websocket clients.
// Each connection gets its own Redis subscription; events are fanned out by
// Redis pub/sub, not by the process.
type EventFeed struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewEventFeed(rdb *redis.Client, log *zap.Logger) *EventFeed {
	return &EventFeed{rdb: rdb, log: log}
}

func (f *EventFeed) Register(r gin.IRoutes) {
	r.GET("/events/ws", f.handleWS)
}

func (f *EventFeed) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		f.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	ctx := c.Request.Context()
	sub := f.rdb.Subscribe(ctx, events.LiveChannel)
	defer sub.Close() //nolint:errcheck

	// Reader drains client frames so close handshakes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

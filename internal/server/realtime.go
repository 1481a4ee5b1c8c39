package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/realtime"
	"github.com/gin-gonic/gin"
)

const (
	realtimeEventAppend    = "entries-appended"
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "memex-sync"
	defaultHeartbeat       = 25 * time.Second
)

// AppendEvent tells a user's devices that new shared-log entries are available.
type AppendEvent struct {
	UserID       string `json:"-"`
	DeviceID     string `json:"device_id"`
	Count        int    `json:"count"`
	LastSharedOn int64  `json:"last_shared_on"`
}

// EventHub fans append events out to the event streams of each user.
type EventHub struct {
	dispatcher *realtime.Dispatcher[AppendEvent]
	heartbeat  time.Duration
}

func NewEventHub() *EventHub {
	return &EventHub{dispatcher: realtime.NewDispatcher[AppendEvent](16), heartbeat: defaultHeartbeat}
}

// Publish delivers event to the streams of event.UserID.
func (e *EventHub) Publish(event AppendEvent) int {
	return e.dispatcher.Publish(event.UserID, event)
}

// Subscribers returns the number of open streams for userID.
func (e *EventHub) Subscribers(userID string) int {
	return e.dispatcher.SubscriberCount(userID)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.events.dispatcher.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventReady, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.events.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventAppend, event)
			return true
		case at := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"at": at.UTC().UnixMilli()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

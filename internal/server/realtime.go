package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	noticeEventHeartbeat = "heartbeat"
	noticeBufferSize     = 16
	noticeBacklogSize    = 8
)

var droppedNotices = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ramenmap_notices_dropped",
	Help: "Number of moderation notices dropped because a stream buffer was full",
})

// NoticeDispatcher delivers moderation notices to the author's open streams. Notices for an author with no
// open stream are held in a short backlog and replayed on the next Subscribe.
type NoticeDispatcher struct {
	mu      sync.Mutex
	streams map[string][]chan moderation.Notice
	backlog map[string][]moderation.Notice
}

// NewNoticeDispatcher constructs an empty dispatcher.
func NewNoticeDispatcher() *NoticeDispatcher {
	return &NoticeDispatcher{
		streams: make(map[string][]chan moderation.Notice),
		backlog: make(map[string][]moderation.Notice),
	}
}

// Subscribe opens a stream for userID that lives until ctx ends or the returned cleanup runs. Backlogged
// notices are already queued on the returned channel.
func (d *NoticeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan moderation.Notice, func()) {
	stream := make(chan moderation.Notice, noticeBufferSize)
	if userID == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	for _, notice := range d.backlog[userID] {
		stream <- notice
	}
	delete(d.backlog, userID)
	d.streams[userID] = append(d.streams[userID], stream)
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(userID, stream) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish implements moderation.Notifier. It never blocks the moderation worker.
func (d *NoticeDispatcher) Publish(notice moderation.Notice) {
	if notice.UserID == "" || notice.Type == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	streams := d.streams[notice.UserID]
	if len(streams) == 0 {
		held := append(d.backlog[notice.UserID], notice)
		if len(held) > noticeBacklogSize {
			droppedNotices.Add(float64(len(held) - noticeBacklogSize))
			held = held[len(held)-noticeBacklogSize:]
		}
		d.backlog[notice.UserID] = held
		return
	}
	for _, stream := range streams {
		select {
		case stream <- notice:
		default:
			droppedNotices.Inc()
		}
	}
}

// Subscribers returns the number of open streams for userID.
func (d *NoticeDispatcher) Subscribers(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[userID])
}

// Backlog returns the number of notices held for userID.
func (d *NoticeDispatcher) Backlog(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlog[userID])
}

func (d *NoticeDispatcher) remove(userID string, stream chan moderation.Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams[userID]
	for index, candidate := range streams {
		if candidate == stream {
			streams = append(streams[:index], streams[index+1:]...)
			break
		}
	}
	if len(streams) == 0 {
		delete(d.streams, userID)
		return
	}
	d.streams[userID] = streams
}

type noticePayload struct {
	Type       string    `json:"type"`
	ArtifactID string    `json:"artifact_id"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// serveNotices writes the stream as server-sent events, one event per notice named after its type.
func serveNotices(c *gin.Context, stream <-chan moderation.Notice, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(io.Writer) bool {
		select {
		case <-done:
			return false
		case notice, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notice.Type, noticePayload{
				Type:       notice.Type,
				ArtifactID: notice.ArtifactID,
				Reason:     notice.Reason,
				Timestamp:  notice.Timestamp.UTC(),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(noticeEventHeartbeat, heartbeatPayload{Timestamp: tick.UTC()})
			return true
		}
	})
}

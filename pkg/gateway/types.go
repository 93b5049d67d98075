// Package gateway exposes the input queue over websocket, HTTP and stdio.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-runtime/pkg/inputqueue"
	"github.com/harun/ranya-runtime/pkg/rpc"
)

// RateLimitExceeded is returned to websocket clients over their frame budget.
const RateLimitExceeded = -32005

// NotificationShutdown is sent to websocket clients when the server stops.
const NotificationShutdown = "server.shutdown"

// Submitter admits validated requests. *inputqueue.Queue implements it.
type Submitter interface {
	SubmitRequest(req *rpc.Request, replier inputqueue.Replier) inputqueue.SubmitResult
}

// ClientInfo describes one connected websocket client.
type ClientInfo struct {
	ID             string    `json:"id"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	IPAddress      string    `json:"ip_address"`
	Idle           bool      `json:"idle"`
	RecentRequests int       `json:"recent_requests"`
	Pending        int       `json:"pending"`
}

// Client represents a connected websocket client. Writes are serialised
// because replies arrive from the worker while the read loop runs.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex
}

// WriteJSON writes v as one text frame.
func (c *Client) WriteJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.Conn.WriteJSON(v)
}

package gateway

import (
	"errors"
	"time"

	"github.com/harun/ranya-runtime/pkg/rpc"
)

var errReplied = errors.New("gateway: response already sent")

// wsReplier routes replies and notifications back onto the originating connection.
type wsReplier struct {
	client       *Client
	writeTimeout time.Duration
	holdsSlot    bool
}

func (r *wsReplier) Send(resp *rpc.Response) error {
	if r.holdsSlot {
		r.client.RateLimiter.Done()
	}
	return r.client.WriteJSON(resp, r.writeTimeout)
}

func (r *wsReplier) SendEvent(notification *rpc.Notification) error {
	return r.client.WriteJSON(notification, r.writeTimeout)
}

// httpReplier hands the single response to the waiting /rpc handler.
// Notifications have no HTTP channel and are dropped.
type httpReplier struct {
	responses chan *rpc.Response
}

func newHTTPReplier() *httpReplier {
	return &httpReplier{responses: make(chan *rpc.Response, 1)}
}

func (r *httpReplier) Send(resp *rpc.Response) error {
	select {
	case r.responses <- resp:
		return nil
	default:
		return errReplied
	}
}

func (r *httpReplier) SendEvent(*rpc.Notification) error {
	return nil
}

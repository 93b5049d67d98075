package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-runtime/pkg/inputqueue"
	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSubmitter answers every request synchronously with one notification
// and, when the request has an id, one result.
type echoSubmitter struct {
	mu       sync.Mutex
	requests []*rpc.Request
	reject   *rpc.Response
	hold     bool
}

func (e *echoSubmitter) SubmitRequest(req *rpc.Request, replier inputqueue.Replier) inputqueue.SubmitResult {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.reject != nil {
		return inputqueue.SubmitResult{Accepted: false, Response: e.reject}
	}
	if e.hold {
		return inputqueue.SubmitResult{Accepted: true}
	}
	_ = replier.SendEvent(rpc.NewNotification("runtime.start", map[string]interface{}{"method": req.Method}))
	if req.HasID() {
		_ = replier.Send(rpc.NewResult(req.ID, map[string]interface{}{"echo": req.Method}))
	}
	return inputqueue.SubmitResult{Accepted: true}
}

func (e *echoSubmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func newTestServer(t *testing.T, sub Submitter, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		Submitter: sub,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
		ts.Close()
	})
	return s, ts
}

func postRPC(t *testing.T, url, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 80})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: -1, Submitter: &echoSubmitter{}})
	assert.Error(t, err)
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, &echoSubmitter{}, func(cfg *Config) {
		cfg.Health = func() map[string]interface{} {
			return map[string]interface{}{"queue_size": 3, "status": "ignored"}
		}
	})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["queue_size"])
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t, &echoSubmitter{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RPC(t *testing.T) {
	t.Run("waits for the response", func(t *testing.T) {
		sub := &echoSubmitter{}
		_, ts := newTestServer(t, sub, nil)

		resp, body := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":"r1","method":"runtime.run","params":{"input":"hi"}}`, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"r1","result":{"echo":"runtime.run"}}`, string(body))
	})

	t.Run("no id is accepted without a body", func(t *testing.T) {
		sub := &echoSubmitter{}
		_, ts := newTestServer(t, sub, nil)

		resp, body := postRPC(t, ts.URL, `{"jsonrpc":"2.0","method":"runtime.run","params":{"input":"hi"}}`, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Empty(t, body)
		assert.Equal(t, 1, sub.count())
	})

	t.Run("invalid payload is answered without submitting", func(t *testing.T) {
		sub := &echoSubmitter{}
		_, ts := newTestServer(t, sub, nil)

		resp, body := postRPC(t, ts.URL, `{"jsonrpc":"1.0","id":1,"method":"x"}`, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var out rpc.Response
		require.NoError(t, json.Unmarshal(body, &out))
		require.NotNil(t, out.Error)
		assert.Equal(t, rpc.InvalidRequest, out.Error.Code)
		assert.Equal(t, 0, sub.count())
	})

	t.Run("queue full maps to 503", func(t *testing.T) {
		sub := &echoSubmitter{reject: rpc.NewErrorResponse(json.RawMessage(`1`), rpc.NewError(rpc.QueueFull, "Input queue is full", nil))}
		_, ts := newTestServer(t, sub, nil)

		resp, body := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"runtime.run"}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, string(body), "Input queue is full")
	})

	t.Run("times out waiting for the worker", func(t *testing.T) {
		sub := &echoSubmitter{hold: true}
		_, ts := newTestServer(t, sub, func(cfg *Config) { cfg.RPCTimeout = 50 * time.Millisecond })

		resp, body := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":7,"method":"runtime.run"}`, nil)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		assert.Contains(t, string(body), "Timed out")
	})

	t.Run("rejects other methods", func(t *testing.T) {
		_, ts := newTestServer(t, &echoSubmitter{}, nil)

		resp, err := http.Get(ts.URL + "/rpc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServer_RPCSharedSecret(t *testing.T) {
	sub := &echoSubmitter{}
	_, ts := newTestServer(t, sub, func(cfg *Config) { cfg.SharedSecret = "s3cret" })

	payload := `{"jsonrpc":"2.0","id":1,"method":"runtime.run"}`

	resp, _ := postRPC(t, ts.URL, payload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postRPC(t, ts.URL, payload, map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, sub.count())
}

func dialWS(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestServer_WebSocket(t *testing.T) {
	sub := &echoSubmitter{}
	s, ts := newTestServer(t, sub, nil)
	conn := dialWS(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"a","method":"runtime.run","params":{"input":"hi"}}`)))

	event := readFrame(t, conn)
	assert.Equal(t, "runtime.start", event["method"])

	result := readFrame(t, conn)
	assert.Equal(t, "a", result["id"])
	assert.Equal(t, map[string]interface{}{"echo": "runtime.run"}, result["result"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	parseErr := readFrame(t, conn)
	assert.Nil(t, parseErr["id"])
	assert.Equal(t, float64(rpc.ParseError), parseErr["error"].(map[string]interface{})["code"])

	assert.Len(t, s.Clients(), 1)
}

func TestServer_WebSocketRateLimit(t *testing.T) {
	sub := &echoSubmitter{hold: true}
	_, ts := newTestServer(t, sub, func(cfg *Config) { cfg.MaxPending = 1 })
	conn := dialWS(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"runtime.run"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"runtime.run"}`)))

	frame := readFrame(t, conn)
	assert.Equal(t, float64(2), frame["id"])
	assert.Equal(t, float64(RateLimitExceeded), frame["error"].(map[string]interface{})["code"])
	assert.Equal(t, 1, sub.count())
}

func TestServer_WebSocketSharedSecret(t *testing.T) {
	_, ts := newTestServer(t, &echoSubmitter{}, func(cfg *Config) { cfg.SharedSecret = "s3cret" })
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(SecretHeader, "s3cret")
	conn := dialWS(t, ts, header)
	assert.NotNil(t, conn)
}

func TestServer_StopNotifiesClients(t *testing.T) {
	sub := &echoSubmitter{}
	s, err := NewServer(Config{Submitter: sub, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, nil)
	require.Eventually(t, func() bool { return len(s.Clients()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())

	frame := readFrame(t, conn)
	assert.Equal(t, NotificationShutdown, frame["method"])
	assert.NoError(t, s.Stop())

	resp, _ := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"runtime.run"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Submitter: &echoSubmitter{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	resp, err := http.Post("http://"+s.Addr()+"/rpc", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
}

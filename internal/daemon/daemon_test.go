package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReasoner adds a provider name to a scripted decide function and
// keeps every request it saw.
type stubReasoner struct {
	name string
	fn   agent.ReasonerFunc

	mu       sync.Mutex
	requests []agent.DecideRequest
}

func (s *stubReasoner) Decide(ctx context.Context, req agent.DecideRequest) (agent.Decision, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *stubReasoner) Provider() string { return s.name }

func (s *stubReasoner) seen() []agent.DecideRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.DecideRequest(nil), s.requests...)
}

// calculator calls add once, then reports the tool result.
func calculator() *stubReasoner {
	return &stubReasoner{name: "stub", fn: func(ctx context.Context, req agent.DecideRequest) (agent.Decision, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == agent.RoleTool {
			return agent.Decision{Type: agent.DecisionFinal, Output: "The answer is " + last.Content.String()}, nil
		}
		return agent.Decision{
			Type: agent.DecisionTool,
			Tool: &agent.ToolCall{Name: "add", Args: map[string]interface{}{"a": 20.0, "b": 22.0}},
		}, nil
	}}
}

func addTool() toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "add",
		Type:        "local",
		Description: "Add two numbers",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"a", "b"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}
}

func useReasoner(t *testing.T, r reasoner) {
	t.Helper()
	prev := newReasoner
	newReasoner = func(config.ReasonerConfig, zerolog.Logger) (reasoner, error) { return r, nil }
	t.Cleanup(func() { newReasoner = prev })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Sessions.Dir = filepath.Join(dir, "sessions")
	cfg.Memory.DBPath = filepath.Join(dir, "memory.db")
	cfg.Workspace.Path = filepath.Join(dir, "workspace")
	cfg.Workspace.Watch = false
	cfg.Gateway.Port = 0
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, r reasoner, opts Options) *Daemon {
	t.Helper()
	useReasoner(t, r)

	log, err := logger.New(logger.Config{Level: "error", Output: io.Discard, Console: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log, opts)
	require.NoError(t, err)
	require.NoError(t, d.registry.Register(addTool()))
	return d
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)
}

func TestNew_RegistersCoreTools(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), calculator(), Options{})
	defer d.closeStores()

	names := map[string]bool{}
	for _, tool := range d.registry.List() {
		names[tool.Name] = true
	}
	for _, name := range []string{"read_file", "list_dir", "write_file", "shell_exec", "memory_read", "memory_write", "persona_update", "add"} {
		assert.True(t, names[name], name)
	}
	assert.Nil(t, d.gateway)
	assert.Nil(t, d.watcher)
	assert.NotNil(t, d.pruner)
}

func TestDaemon_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	r := calculator()
	d := newTestDaemon(t, cfg, r, Options{})

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	_, err := os.Stat(filepath.Join(cfg.DataDir, PIDFileName))
	require.NoError(t, err)

	rec := newRecordingReplier()
	res := d.Submit([]byte(`{"jsonrpc":"2.0","id":1,"method":"runtime.run","params":{"session_id":"calc","input":"compute 20+22"}}`), rec)
	require.True(t, res.Accepted)

	out := resultOf(t, rec.wait(t))
	assert.Equal(t, "The answer is 42", out.Output)
	assert.Equal(t, agent.StateDone, out.State)
	assert.Equal(t, "calc", out.SessionID)
	assert.NotEmpty(t, out.TraceID)

	methods := rec.methods()
	require.NotEmpty(t, methods)
	assert.Equal(t, NotificationStart, methods[0])
	assert.Equal(t, NotificationFinal, methods[len(methods)-1])
	assert.Contains(t, methods, NotificationEvent)

	entries, err := d.sessions.Load(context.Background(), "calc")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "compute 20+22", entries[0].Message.Content)
	assert.Equal(t, "The answer is 42", entries[1].Message.Content)
	assert.Equal(t, out.TraceID, entries[1].Message.Metadata["trace_id"])

	second := newRecordingReplier()
	require.True(t, d.Submit([]byte(`{"jsonrpc":"2.0","id":2,"method":"runtime.run","params":{"session_id":"calc","input":"again"}}`), second).Accepted)
	assert.Equal(t, "The answer is 42", resultOf(t, second.wait(t)).Output)

	reqs := r.seen()
	require.Len(t, reqs, 4)
	var history []string
	for _, msg := range reqs[2].Messages {
		if msg.Role == agent.RoleUser || msg.Role == agent.RoleAssistant {
			history = append(history, msg.Content.String())
		}
	}
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, []string{"compute 20+22", "The answer is 42", "again"}, history[len(history)-3:])

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "stub", status.Provider)
	assert.Equal(t, 8, status.Tools)

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(filepath.Join(cfg.DataDir, PIDFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_RejectsAfterStop(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), calculator(), Options{})
	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())

	res := d.Submit([]byte(`{"jsonrpc":"2.0","id":1,"method":"runtime.run","params":{"input":"late"}}`), newRecordingReplier())
	assert.False(t, res.Accepted)
	require.NotNil(t, res.Response)
}

func TestDaemon_Gateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = "s3cret"
	d := newTestDaemon(t, cfg, calculator(), Options{Gateway: true})
	require.NotNil(t, d.Gateway())

	require.NoError(t, d.Start())
	defer func() { require.NoError(t, d.Stop()) }()

	req, err := http.NewRequest(http.MethodPost, "http://"+d.Gateway().Addr()+"/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","id":"g1","method":"runtime.run","params":{"input":"compute 20+22"}}`))
	require.NoError(t, err)
	req.Header.Set("X-Ranya-Secret", "s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID     string      `json:"id"`
		Result RunResponse `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "g1", body.ID)
	assert.Equal(t, "The answer is 42", body.Result.Output)

	health, err := http.Get("http://" + d.Gateway().Addr() + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	var h map[string]interface{}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&h))
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, true, h["running"])
}

func TestDaemon_ToolPolicyHotReload(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, "runtime.json")
	d := newTestDaemon(t, cfg, calculator(), Options{ConfigPath: path})
	require.NotNil(t, d.watcher)

	require.NoError(t, d.Start())
	defer func() { require.NoError(t, d.Stop()) }()

	assert.Len(t, d.executor.AllowedTools(""), 8)

	next := `{
		"reasoner": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-test"}]},
		"tools": {"allow": ["*"], "deny": ["shell_exec", "write_*"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(next), 0o600))

	require.Eventually(t, func() bool {
		return len(d.executor.AllowedTools("")) == 6
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"shell_exec", "write_*"}, d.executor.Policy().Deny)
}

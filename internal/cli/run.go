package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/spf13/cobra"
)

var (
	runSession    string
	runPermission string
	runEvents     bool
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Run a single turn and print the answer",
	Long: `Run a single turn in-process and print the final answer.
Events are written to stderr with --events.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "session id (default: a new session)")
	runCmd.Flags().StringVar(&runPermission, "permission", "", "permission level (low, medium, high)")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "print runtime events to stderr")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{Version: version})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	payload, err := buildRunRequest(strings.Join(args, " "), runSession, runPermission)
	if err != nil {
		return err
	}

	var events io.Writer
	if runEvents {
		events = cmd.ErrOrStderr()
	}
	replier := newTurnReplier(events)
	if res := d.Submit(payload, replier); !res.Accepted {
		if res.Response != nil && res.Response.Error != nil {
			return fmt.Errorf("request rejected: %w", res.Response.Error)
		}
		return fmt.Errorf("request rejected")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := replier.wait(ctx)
	if err != nil {
		return err
	}
	out, err := decodeRunResponse(resp)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), out.Output)
	if out.State != agent.StateDone {
		return fmt.Errorf("turn ended in state %s", out.State)
	}
	return nil
}

func buildRunRequest(input, sessionID, level string) ([]byte, error) {
	params := map[string]interface{}{"input": input}
	if sessionID != "" {
		params["session_id"] = sessionID
	}
	if level != "" {
		params["permission_level"] = level
	}
	return json.Marshal(map[string]interface{}{
		"jsonrpc": rpc.Version,
		"id":      1,
		"method":  daemon.MethodRun,
		"params":  params,
	})
}

func decodeRunResponse(resp *rpc.Response) (daemon.RunResponse, error) {
	var out daemon.RunResponse
	if resp.Error != nil {
		return out, resp.Error
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return out, fmt.Errorf("failed to encode result: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode result: %w", err)
	}
	return out, nil
}

// turnReplier collects the single response of an in-process turn.
type turnReplier struct {
	events io.Writer
	done   chan *rpc.Response
}

func newTurnReplier(events io.Writer) *turnReplier {
	return &turnReplier{events: events, done: make(chan *rpc.Response, 1)}
}

func (r *turnReplier) Send(resp *rpc.Response) error {
	select {
	case r.done <- resp:
		return nil
	default:
		return fmt.Errorf("response already delivered")
	}
}

func (r *turnReplier) SendEvent(n *rpc.Notification) error {
	if r.events == nil {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.events, string(data))
	return err
}

func (r *turnReplier) wait(ctx context.Context) (*rpc.Response, error) {
	select {
	case resp := <-r.done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

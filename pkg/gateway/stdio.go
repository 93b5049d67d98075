package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/rs/zerolog"
)

// StdioConfig configures a StdioTransport.
type StdioConfig struct {
	Submitter Submitter
	In        io.Reader
	Out       io.Writer
	Logger    zerolog.Logger
}

// StdioTransport speaks newline-delimited JSON-RPC over a reader and writer
// pair, one payload per line in each direction.
type StdioTransport struct {
	submitter Submitter
	in        io.Reader
	out       io.Writer
	logger    zerolog.Logger

	writeMu sync.Mutex
	pending sync.WaitGroup
}

// NewStdioTransport creates a transport.
func NewStdioTransport(cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("stdio reader and writer are required")
	}
	return &StdioTransport{
		submitter: cfg.Submitter,
		in:        cfg.In,
		out:       cfg.Out,
		logger:    cfg.Logger.With().Str("component", "stdio").Logger(),
	}, nil
}

// Serve reads lines until EOF or ctx ends. At EOF it waits for every
// accepted request with an id to be answered. A blocked read cannot be
// interrupted, so after ctx ends the reader goroutine lingers until the
// input closes.
func (t *StdioTransport) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 64*1024), MaxPayloadBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	t.logger.Info().Msg("Stdio transport started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			t.logger.Info().Msg("Stdio input closed, waiting for pending replies")
			return t.drain(ctx)
		case line := <-lines:
			t.handleLine(line)
		}
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	req, errResp := rpc.Validate(line)
	if errResp != nil {
		t.write(errResp)
		return
	}

	replier := &stdioReplier{t: t, tracked: req.HasID()}
	if replier.tracked {
		t.pending.Add(1)
	}
	result := t.submitter.SubmitRequest(req, replier)
	if !result.Accepted {
		replier.release()
		if result.Response != nil {
			t.write(result.Response)
		}
	}
}

func (t *StdioTransport) drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(data); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to write to stdout")
		return err
	}
	return nil
}

type stdioReplier struct {
	t       *StdioTransport
	tracked bool
	once    sync.Once
}

func (r *stdioReplier) Send(resp *rpc.Response) error {
	defer r.release()
	return r.t.write(resp)
}

func (r *stdioReplier) release() {
	if r.tracked {
		r.once.Do(r.t.pending.Done)
	}
}

func (r *stdioReplier) SendEvent(notification *rpc.Notification) error {
	return r.t.write(notification)
}

// Package agent is the production binding of contracts.AgentClient: it
// drives the agent runtime binary as a subprocess speaking JSON lines over
// stdio. One client owns one process for its whole lifetime.
//
// Inbound control lines (gateway → runtime):
//
//	{"type":"query","prompt":...,"options":{...}}
//	{"type":"interrupt"}
//	{"type":"answer","tool_use_id":...,"decision":...}
//
// Outbound event lines (runtime → gateway) are models.AgentEvent objects;
// terminal result lines may carry a resume_token for checkpointing.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/gateway/internal/config"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// maxEventLine bounds one runtime output line (large tool results included).
const maxEventLine = 8 << 20

// Factory spawns one runtime process per client.
type Factory struct {
	cfg config.AgentConfig
}

// NewFactory creates the factory for the configured runtime binary.
func NewFactory(cfg config.AgentConfig) *Factory {
	return &Factory{cfg: cfg}
}

// NewClient starts the runtime process. The process idles until Query.
func (f *Factory) NewClient(ctx context.Context) (contracts.AgentClient, error) {
	cmd := exec.Command(f.cfg.Command, f.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent runtime %q: %w", f.cfg.Command, err)
	}
	log.Debug().Str("command", f.cfg.Command).Int("pid", cmd.Process.Pid).Msg("Agent runtime started")
	return &Client{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Client is one live runtime process.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex // serializes control lines

	mu          sync.Mutex
	resumeToken string

	closeOnce sync.Once
	closeErr  error
}

// controlLine is the inbound wire shape.
type controlLine struct {
	Type      string                    `json:"type"`
	Prompt    string                    `json:"prompt,omitempty"`
	Options   *contracts.QueryOptions   `json:"options,omitempty"`
	ToolUseID string                    `json:"tool_use_id,omitempty"`
	Decision  models.PermissionDecision `json:"decision,omitempty"`
}

// wireEvent is the outbound wire shape: an AgentEvent plus the checkpoint
// token the runtime attaches to terminal results.
type wireEvent struct {
	models.AgentEvent
	ResumeToken string `json:"resume_token,omitempty"`
}

// Query submits the prompt and returns the event stream for the run. The
// channel closes after a terminal event, on process exit, or when ctx is
// cancelled.
func (c *Client) Query(ctx context.Context, prompt string, opts contracts.QueryOptions) (<-chan models.AgentEvent, error) {
	if err := c.send(controlLine{Type: "query", Prompt: prompt, Options: &opts}); err != nil {
		return nil, err
	}

	events := make(chan models.AgentEvent)
	go c.readEvents(ctx, events)
	return events, nil
}

func (c *Client) readEvents(ctx context.Context, events chan<- models.AgentEvent) {
	defer close(events)

	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan wireEvent)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(c.stdout)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			var ev wireEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				log.Warn().Err(err).Msg("Skipping malformed agent runtime line")
				continue
			}
			select {
			case lines <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ev.Kind.Terminal() {
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read agent runtime: %w", err)
		}
		return fmt.Errorf("agent runtime closed stdout mid-run")
	})

	g.Go(func() error {
		for ev := range lines {
			if ev.ResumeToken != "" {
				c.mu.Lock()
				c.resumeToken = ev.ResumeToken
				c.mu.Unlock()
			}
			select {
			case events <- ev.AgentEvent:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Agent runtime stream error")
		select {
		case events <- models.AgentEvent{Kind: models.EventError, Error: "agent runtime stream failed"}:
		case <-ctx.Done():
		}
	}
}

// Interrupt asks the runtime to stop the current turn.
func (c *Client) Interrupt(context.Context) error {
	return c.send(controlLine{Type: "interrupt"})
}

// AnswerPermission forwards a permission decision.
func (c *Client) AnswerPermission(_ context.Context, toolUseID string, decision models.PermissionDecision) error {
	return c.send(controlLine{Type: "answer", ToolUseID: toolUseID, Decision: decision})
}

// ResumeToken returns the last checkpoint token the runtime reported.
func (c *Client) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// Close ends the process: stdin close signals a clean exit, with a kill
// after a grace period.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(5 * time.Second):
			_ = c.cmd.Process.Kill()
			c.closeErr = <-done
		}
	})
	return c.closeErr
}

func (c *Client) send(line controlLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode control line: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent runtime: %w", err)
	}
	return nil
}

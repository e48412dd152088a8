// Package runner drives one agent query end to end: it owns the SDK client
// for the duration of the run, pumps SDK events into the bounded stream
// queue, enforces the permission-prompt timeout, fans tool lifecycle events
// out to webhooks, and writes the turn record back through the session
// service on every exit path.
package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/session"
	"github.com/agentgate/agentgate/gateway/internal/stream"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ToolEventSink receives tool lifecycle events for webhook fan-out.
// Dispatch must not block; the webhook dispatcher delivers asynchronously.
type ToolEventSink interface {
	DispatchToolEvent(owner string, ev models.WebhookEvent)
}

// Config tunes the runner.
type Config struct {
	// QueueSize is the bounded event queue capacity between the SDK pump
	// and the network writer.
	QueueSize int

	// PermissionTimeout is how long a permission_request may sit unanswered
	// before the runner denies it on the client's behalf.
	PermissionTimeout time.Duration
}

// Runner creates runs. One Runner is shared by all requests; each run gets
// its own SDK client from the factory.
type Runner struct {
	factory  contracts.AgentClientFactory
	sessions *session.Service
	hooks    ToolEventSink // nil disables webhook fan-out
	cfg      Config
}

// New wires a Runner.
func New(factory contracts.AgentClientFactory, sessions *session.Service, hooks ToolEventSink, cfg Config) *Runner {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 16
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = time.Minute
	}
	return &Runner{factory: factory, sessions: sessions, hooks: hooks, cfg: cfg}
}

// StartParams describe one query against an existing session.
type StartParams struct {
	Session *models.Session
	Owner   string
	Prompt  string
	Options contracts.QueryOptions
}

// Run is one live agent invocation. Consume Events until it closes (the
// terminal event is always the last element); Result is valid afterwards.
type Run struct {
	sessionID string
	queue     *stream.Queue
	client    contracts.AgentClient
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	pending  map[string]*time.Timer // unanswered permission prompts
	finished bool

	result *models.Result // set before done closes; nil if the stream died
	runErr error
}

// Start opens an SDK client, resolves the session's resume token, submits
// the prompt, and begins pumping events. The returned Run owns the client;
// it is released when the event stream ends, on every path.
func (r *Runner) Start(ctx context.Context, p StartParams) (*Run, error) {
	opts := p.Options
	if opts.Model == "" {
		opts.Model = p.Session.Model
	}
	if opts.Cwd == "" {
		opts.Cwd = p.Session.WorkingDirectory
	}
	if opts.ResumeToken == "" {
		token, err := r.sessions.LatestResumeToken(ctx, p.Session.ID)
		if err != nil {
			return nil, err
		}
		opts.ResumeToken = token
	}

	client, err := r.factory.NewClient(ctx)
	if err != nil {
		return nil, apierr.Upstream("agent_unavailable", "agent runtime unavailable").WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, err := client.Query(runCtx, p.Prompt, opts)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, apierr.Upstream("query_failed", "agent runtime rejected the query").WithCause(err)
	}

	run := &Run{
		sessionID: p.Session.ID,
		queue:     stream.NewQueue(r.cfg.QueueSize),
		client:    client,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   map[string]*time.Timer{},
	}
	go r.pump(runCtx, run, p, events)

	log.Info().Str("session_id", p.Session.ID).Str("model", opts.Model).
		Bool("resuming", opts.ResumeToken != "").Msg("Agent run started")
	return run, nil
}

// pump consumes the SDK stream until it closes. The consumer going away
// interrupts the run but the pump keeps draining so the terminal event is
// still observed and the turn recorded.
func (r *Runner) pump(ctx context.Context, run *Run, p StartParams, events <-chan models.AgentEvent) {
	started := time.Now()
	var text strings.Builder
	var result *models.Result
	consumerGone := false

	for ev := range events {
		switch ev.Kind {
		case models.EventPartial:
			if ev.Partial != nil && ev.Partial.Block == models.BlockTextDelta {
				text.WriteString(ev.Partial.Text)
			}
		case models.EventToolStart, models.EventToolEnd, models.EventToolResult:
			r.dispatchHook(run.sessionID, p.Owner, ev)
		case models.EventPermissionRequest:
			if ev.Permission != nil {
				run.armAutoDeny(ev.Permission.ToolUseID, r.cfg.PermissionTimeout)
			}
		case models.EventResult:
			if ev.Result != nil {
				cp := *ev.Result
				result = &cp
			}
		case models.EventError:
			result = &models.Result{StopReason: models.StopError}
			run.runErr = apierr.Upstream("agent_error", ev.Error)
		}

		if !consumerGone {
			if err := run.queue.Push(ctx, ev); err != nil {
				consumerGone = true
				log.Warn().Str("session_id", run.sessionID).
					Msg("Stream consumer gone; interrupting run")
				r.interruptDetached(run)
			}
		}

		if ev.Kind.Terminal() {
			break
		}
	}

	run.settlePending()

	// A stream that dies without a terminal event counts as an interrupted
	// turn so usage already incurred is not lost.
	if result == nil {
		result = &models.Result{StopReason: models.StopInterrupted}
		if run.runErr == nil {
			run.runErr = apierr.Upstream("stream_closed", "agent stream closed without a result")
		}
	}
	if result.Text == "" {
		result.Text = text.String()
	}
	run.result = result

	r.record(run, p, result, time.Since(started))

	run.queue.Close()
	if err := run.client.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", run.sessionID).Msg("SDK client close failed")
	}
	run.cancel()
	close(run.done)
}

// record writes the turn back. It runs on a detached context so a client
// disconnect cannot lose accounting.
func (r *Runner) record(run *Run, p StartParams, result *models.Result, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 15*time.Second)
	defer cancel()

	status := models.SessionActive
	if result.StopReason == models.StopError {
		status = models.SessionError
	}
	rec := session.TurnRecord{
		Prompt:       p.Prompt,
		ResponseText: result.Text,
		StopReason:   result.StopReason,
		Usage:        result.Usage,
		CostUSD:      result.CostUSD,
		DurationMs:   elapsed.Milliseconds(),
		ResumeToken:  run.client.ResumeToken(),
		Summary:      summarize(p.Prompt),
		Status:       status,
	}
	if err := r.sessions.RecordTurn(ctx, run.sessionID, p.Owner, rec); err != nil {
		log.Error().Err(err).Str("session_id", run.sessionID).Msg("Turn accounting failed")
	}
}

func (r *Runner) dispatchHook(sessionID, owner string, ev models.AgentEvent) {
	if r.hooks == nil || ev.Tool == nil {
		return
	}
	payload, _ := json.Marshal(ev.Tool)
	r.hooks.DispatchToolEvent(owner, models.WebhookEvent{
		Kind:      string(ev.Kind),
		SessionID: sessionID,
		ToolName:  ev.Tool.ToolName,
		ToolUseID: ev.Tool.ToolUseID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Runner) interruptDetached(run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 5*time.Second)
	defer cancel()
	if err := run.client.Interrupt(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", run.sessionID).Msg("Interrupt after consumer loss failed")
	}
}

// ── Run surface ─────────────────────────────────────────────

// Events is the run's outbound stream. It closes after the terminal event.
func (run *Run) Events() <-chan models.AgentEvent { return run.queue.Events() }

// Done closes when the run has fully settled (turn recorded, client closed).
func (run *Run) Done() <-chan struct{} { return run.done }

// Result returns the terminal result once Done is closed.
func (run *Run) Result() (*models.Result, error) {
	select {
	case <-run.done:
		return run.result, run.runErr
	default:
		return nil, apierr.InvalidState("run_active", "run has not finished")
	}
}

// Interrupt asks the runtime to stop the current turn. The stream still
// delivers the terminal result.
func (run *Run) Interrupt(ctx context.Context) error {
	if err := run.client.Interrupt(ctx); err != nil {
		return apierr.Upstream("interrupt_failed", "agent runtime rejected the interrupt").WithCause(err)
	}
	return nil
}

// Answer resolves a pending permission prompt. Answering an unknown or
// already-resolved prompt is an invalid_state error.
func (run *Run) Answer(ctx context.Context, toolUseID string, decision models.PermissionDecision) error {
	if !decision.Valid() {
		return apierr.ValidationField("invalid_decision", "unknown permission decision", "decision")
	}
	run.mu.Lock()
	timer, ok := run.pending[toolUseID]
	if ok {
		timer.Stop()
		delete(run.pending, toolUseID)
	}
	run.mu.Unlock()
	if !ok {
		return apierr.InvalidState("no_pending_permission", "no pending permission request with that id")
	}
	if err := run.client.AnswerPermission(ctx, toolUseID, decision); err != nil {
		return apierr.Upstream("permission_answer_failed", "agent runtime rejected the decision").WithCause(err)
	}
	return nil
}

// armAutoDeny schedules the deny-on-timeout for one prompt.
func (run *Run) armAutoDeny(toolUseID string, timeout time.Duration) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.finished {
		return
	}
	run.pending[toolUseID] = time.AfterFunc(timeout, func() {
		run.mu.Lock()
		_, still := run.pending[toolUseID]
		delete(run.pending, toolUseID)
		run.mu.Unlock()
		if !still {
			return
		}
		log.Warn().Str("session_id", run.sessionID).Str("tool_use_id", toolUseID).
			Msg("Permission prompt timed out; denying")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := run.client.AnswerPermission(ctx, toolUseID, models.DecisionDeny); err != nil {
			log.Warn().Err(err).Str("tool_use_id", toolUseID).Msg("Timeout deny failed")
		}
	})
}

// settlePending stops every outstanding auto-deny timer at end of run.
func (run *Run) settlePending() {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.finished = true
	for id, timer := range run.pending {
		timer.Stop()
		delete(run.pending, id)
	}
}

// ── Non-streaming collection ────────────────────────────────

// Collect drains the run to completion and aggregates the response for
// non-streaming callers. Cancelling ctx interrupts the run but still waits
// for settlement so the turn is recorded.
func (run *Run) Collect(ctx context.Context, model string) (*models.QueryResponse, error) {
	started := time.Now()
	for {
		select {
		case _, ok := <-run.queue.Events():
			if !ok {
				<-run.done
				if run.runErr != nil {
					return nil, run.runErr
				}
				res := run.result
				return &models.QueryResponse{
					SessionID:  run.sessionID,
					Model:      model,
					Text:       res.Text,
					StopReason: res.StopReason,
					Usage:      res.Usage,
					CostUSD:    res.CostUSD,
					DurationMs: time.Since(started).Milliseconds(),
				}, nil
			}
		case <-ctx.Done():
			detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = run.Interrupt(detached)
			cancel()
			<-run.done
			return nil, apierr.Timeout("request_cancelled", "request cancelled before the run finished")
		}
	}
}

func summarize(prompt string) string {
	const max = 120
	prompt = strings.TrimSpace(prompt)
	if len(prompt) <= max {
		return prompt
	}
	// Back off to a rune boundary so the cut never splits a character.
	cut := max
	for cut > 0 && !utf8.RuneStart(prompt[cut]) {
		cut--
	}
	return prompt[:cut] + "…"
}

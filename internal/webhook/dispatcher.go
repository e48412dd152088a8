package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Dispatcher fans tool lifecycle events out to the owner's registered
// hooks. Dispatch is fire-and-forget: delivery failures are logged, never
// surfaced into the run that produced the event.
type Dispatcher struct {
	hooks       store.WebhookStore
	client      *http.Client
	matchBudget time.Duration

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewDispatcher wires the dispatcher. matchBudget bounds the wall-clock
// time spent matching one event against all of an owner's hooks.
func NewDispatcher(hooks store.WebhookStore, matchBudget time.Duration) *Dispatcher {
	if matchBudget <= 0 {
		matchBudget = 50 * time.Millisecond
	}
	return &Dispatcher{
		hooks:       hooks,
		client:      &http.Client{Timeout: 15 * time.Second},
		matchBudget: matchBudget,
		compiled:    make(map[string]*regexp.Regexp),
	}
}

// DispatchToolEvent matches and delivers asynchronously; it never blocks
// the caller.
func (d *Dispatcher) DispatchToolEvent(owner string, ev models.WebhookEvent) {
	go d.dispatch(owner, ev)
}

func (d *Dispatcher) dispatch(owner string, ev models.WebhookEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hooks, err := d.hooks.ListWebhooks(ctx, owner)
	if err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Webhook listing failed; event dropped")
		return
	}

	deadline := time.Now().Add(d.matchBudget)
	var wg sync.WaitGroup
	for i := range hooks {
		hook := hooks[i]
		if !hook.Enabled {
			continue
		}
		// Budget exhausted: remaining hooks fail closed for this event.
		if time.Now().After(deadline) {
			log.Warn().Str("session_id", ev.SessionID).Str("hook_id", hook.ID).
				Msg("Webhook match budget exhausted; remaining hooks skipped")
			break
		}
		re := d.matcher(hook)
		if re == nil || !re.MatchString(ev.ToolName) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, hook, ev)
		}()
	}
	wg.Wait()
}

// matcher returns the hook's compiled matcher, re-vetting stored patterns
// so a hook registered under older rules still fails closed.
func (d *Dispatcher) matcher(hook models.WebhookHook) *regexp.Regexp {
	d.mu.RLock()
	re, ok := d.compiled[hook.Matcher]
	d.mu.RUnlock()
	if ok {
		return re
	}

	re, err := CompileMatcher(hook.Matcher)
	if err != nil {
		log.Warn().Err(err).Str("hook_id", hook.ID).Msg("Stored webhook matcher rejected; hook disabled for dispatch")
		return nil
	}
	d.mu.Lock()
	d.compiled[hook.Matcher] = re
	d.mu.Unlock()
	return re
}

// deliver posts the event, signing with the hook secret when present. A 5xx
// or transport error earns exactly one retry.
func (d *Dispatcher) deliver(ctx context.Context, hook models.WebhookHook, ev models.WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("hook_id", hook.ID).Msg("Webhook payload encode failed")
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		lastErr = d.post(ctx, hook, body, ev.Kind)
		if lastErr == nil {
			log.Debug().Str("hook_id", hook.ID).Str("tool", ev.ToolName).
				Str("kind", ev.Kind).Msg("Webhook delivered")
			return
		}
		var retryable *retryableError
		if !errors.As(lastErr, &retryable) {
			break
		}
	}
	log.Warn().Err(lastErr).Str("hook_id", hook.ID).Str("url", hook.URL).Msg("Webhook delivery failed")
}

func (d *Dispatcher) post(ctx context.Context, hook models.WebhookHook, body []byte, kind string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentGate-Webhook/1.0")
	req.Header.Set("X-AgentGate-Event", kind)
	if hook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(hook.Secret))
		mac.Write(body)
		req.Header.Set("X-AgentGate-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &retryableError{fmt.Errorf("webhook post: %w", err)}
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &retryableError{fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, hook.URL)}
	default:
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, hook.URL)
	}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

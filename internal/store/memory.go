package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of Store, used by
// tests and by zero-dependency local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*models.Session
	interactions map[string][]models.Interaction // session id → turns
	checkpoints  map[string][]models.Checkpoint  // session id → ordered checkpoints
	mcpServers   map[string]*models.MCPServerConfig
	webhooks     map[string]*models.WebhookHook
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*models.Session),
		interactions: make(map[string][]models.Interaction),
		checkpoints:  make(map[string][]models.Checkpoint),
		mcpServers:   make(map[string]*models.MCPServerConfig),
		webhooks:     make(map[string]*models.WebhookHook),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func mcpKey(owner, name string) string { return owner + "\x00" + name }

// ── Sessions ────────────────────────────────────────────────

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return &ErrConflict{Entity: "session", Key: session.ID}
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id, owner string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerAPIKey != owner {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok || existing.OwnerAPIKey != session.OwnerAPIKey {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := *session
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerAPIKey != owner {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(s.sessions, id)
	delete(s.interactions, id)
	delete(s.checkpoints, id)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, q SessionQuery) ([]models.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Session
	for _, sess := range s.sessions {
		if sess.OwnerAPIKey != q.Owner {
			continue
		}
		if !matchesFilter(sess, q.Filter) {
			continue
		}
		matched = append(matched, *sess)
	}

	// Stable ordering: creation time descending, id ascending tiebreak.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []models.Session{}, total, nil
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) SessionExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[id]
	return ok, nil
}

func matchesFilter(sess *models.Session, f models.SessionFilter) bool {
	if f.Mode != "" && sess.Mode != f.Mode {
		return false
	}
	if f.ProjectID != "" {
		pid, _ := sess.Metadata["project_id"].(string)
		if pid != f.ProjectID {
			return false
		}
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range sess.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(sess.Title), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// ── Interactions ────────────────────────────────────────────

func (s *MemoryStore) CreateInteraction(_ context.Context, it *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions[it.SessionID] = append(s.interactions[it.SessionID], *it)
	return nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, sessionID string, limit int) ([]models.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.interactions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Interaction, len(all))
	copy(out, all)
	return out, nil
}

// ── Checkpoints ─────────────────────────────────────────────

func (s *MemoryStore) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.Index = len(s.checkpoints[cp.SessionID])
	s.checkpoints[cp.SessionID] = append(s.checkpoints[cp.SessionID], *cp)
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, sessionID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Checkpoint, len(s.checkpoints[sessionID]))
	copy(out, s.checkpoints[sessionID])
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, sessionID string, index int) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[sessionID]
	if index < 0 || index >= len(cps) {
		return nil, &ErrNotFound{Entity: "checkpoint", Key: sessionID}
	}
	cp := cps[index]
	return &cp, nil
}

// ── MCP Servers ─────────────────────────────────────────────

func (s *MemoryStore) UpsertMCPServer(_ context.Context, cfg *models.MCPServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := mcpKey(cfg.Owner, cfg.Name)
	if existing, ok := s.mcpServers[key]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cp := cfg.Clone()
	s.mcpServers[key] = &cp
	return nil
}

func (s *MemoryStore) GetMCPServer(_ context.Context, owner, name string) (*models.MCPServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.mcpServers[mcpKey(owner, name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "mcp_server", Key: name}
	}
	cp := cfg.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListMCPServers(_ context.Context, owner string) ([]models.MCPServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MCPServerConfig
	for _, cfg := range s.mcpServers {
		if cfg.Owner == owner {
			out = append(out, cfg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteMCPServer(_ context.Context, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mcpKey(owner, name)
	if _, ok := s.mcpServers[key]; !ok {
		return &ErrNotFound{Entity: "mcp_server", Key: name}
	}
	delete(s.mcpServers, key)
	return nil
}

// ── Webhooks ────────────────────────────────────────────────

func (s *MemoryStore) CreateWebhook(_ context.Context, hook *models.WebhookHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *hook
	s.webhooks[hook.ID] = &cp
	return nil
}

func (s *MemoryStore) ListWebhooks(_ context.Context, owner string) ([]models.WebhookHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.WebhookHook
	for _, h := range s.webhooks {
		if h.Owner == owner {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.webhooks[id]
	if !ok || h.Owner != owner {
		return &ErrNotFound{Entity: "webhook", Key: id}
	}
	delete(s.webhooks, id)
	return nil
}

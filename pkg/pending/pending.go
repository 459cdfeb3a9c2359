package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sparkgate/pkg/models"
)

const stateFile = "pending-actions.json"

// Manager holds proposed actions between plan and apply. Each nonce is
// consumable exactly once; expired entries are dropped on access and by the
// background sweep. Mutations mark the snapshot dirty and the sweep loop
// flushes it, so request handlers never wait on disk; actions proposed in
// the window before a crash are lost and must be re-proposed.
type Manager struct {
	mu      sync.Mutex
	dir     string
	ttl     time.Duration
	actions map[string]models.PendingAction
	dirty   bool
	now     func() time.Time
}

// Open loads persisted pending actions from dir, dropping any that expired
// while the process was down. A corrupt state file starts empty.
func Open(dir string, ttl time.Duration) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("pending: data dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pending: create data dir: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	m := &Manager{dir: dir, ttl: ttl, actions: map[string]models.PendingAction{}, now: time.Now}
	m.load()
	return m, nil
}

func (m *Manager) load() {
	raw, err := os.ReadFile(filepath.Join(m.dir, stateFile))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("pending: state unreadable, starting empty: %v", err)
		}
		return
	}
	var persisted []models.PendingAction
	if err := json.Unmarshal(raw, &persisted); err != nil {
		log.Printf("pending: state corrupt, starting empty: %v", err)
		return
	}
	now := m.now()
	for _, a := range persisted {
		if a.Nonce == "" || a.Expired(now) {
			continue
		}
		m.actions[a.Nonce] = a
	}
}

// MakeNonce builds a sortable nonce: UTC timestamp prefix plus a random
// suffix.
func MakeNonce(now time.Time) string {
	return now.UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// Put stores a proposed action and returns it with nonce and expiry stamped.
func (m *Manager) Put(action string, params map[string]interface{}) models.PendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	a := models.PendingAction{
		Nonce:     MakeNonce(now),
		Action:    action,
		Params:    params,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(m.ttl),
	}
	m.actions[a.Nonce] = a
	m.dirty = true
	return a
}

// Take removes and returns the action for nonce. The second return is false
// when the nonce is unknown, already consumed, or expired. Expired entries
// are removed as a side effect so a later retry cannot resurrect them.
func (m *Manager) Take(nonce string) (models.PendingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[nonce]
	if !ok {
		return models.PendingAction{}, false
	}
	delete(m.actions, nonce)
	m.dirty = true
	if a.Expired(m.now()) {
		return models.PendingAction{}, false
	}
	return a, true
}

// Restore re-inserts a taken action under its original nonce and expiry, for
// callers that consumed it and then could not act on it.
func (m *Manager) Restore(a models.PendingAction) {
	if a.Nonce == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.Nonce] = a
	m.dirty = true
}

// Len reports the live (non-expired) entry count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, a := range m.actions {
		if !a.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep drops expired entries and flushes the snapshot when anything changed
// since the last flush. Returns the number dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for nonce, a := range m.actions {
		if a.Expired(now) {
			delete(m.actions, nonce)
			dropped++
		}
	}
	if dropped > 0 {
		m.dirty = true
	}
	if m.dirty {
		m.persistLocked()
		m.dirty = false
	}
	return dropped
}

// Run sweeps on a timer until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Printf("pending: swept %d expired action(s)", n)
			}
		}
	}
}

func (m *Manager) persistLocked() {
	out := make([]models.PendingAction, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		log.Printf("pending: marshal state: %v", err)
		return
	}
	path := filepath.Join(m.dir, stateFile)
	tmp, err := os.CreateTemp(m.dir, ".pending-*")
	if err != nil {
		log.Printf("pending: persist state: %v", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		log.Printf("pending: persist state: %v", err)
	}
}

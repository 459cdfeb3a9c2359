package policy

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sparkgate/pkg/models"
)

const (
	overrideFile   = "policy-override.json"
	allowWriteFile = "ai-allow-write.json"
)

// Store holds the global safety override and the AI write-enable flag.
// In-memory state is authoritative for the life of the process; the files
// under dir are a best-effort durable copy.
type Store struct {
	mu         sync.RWMutex
	dir        string
	envDefault bool
	override   *models.PolicyOverride
	allowWrite bool
}

// Open loads persisted state from dir. A missing, corrupt, or unreadable
// override file is treated as absent: the store falls back to the
// environment default and never fails to open.
func Open(dir string, envKillSwitch bool) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("policy: data dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("policy: create data dir: %w", err)
	}
	s := &Store{dir: dir, envDefault: envKillSwitch}
	s.override = loadOverride(filepath.Join(dir, overrideFile))
	s.allowWrite = loadAllowWrite(filepath.Join(dir, allowWriteFile))
	return s, nil
}

func loadOverride(path string) *models.PolicyOverride {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("policy: override unreadable, using env default: %v", err)
		}
		return nil
	}
	var ov models.PolicyOverride
	if err := json.Unmarshal(raw, &ov); err != nil {
		log.Printf("policy: override corrupt, using env default: %v", err)
		return nil
	}
	return &ov
}

func loadAllowWrite(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var v struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Printf("policy: allow-write flag corrupt, defaulting to false: %v", err)
		return false
	}
	return v.Enabled
}

// ReadOverride returns a copy of the persisted override, or nil when none
// exists.
func (s *Store) ReadOverride() *models.PolicyOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override == nil {
		return nil
	}
	ov := *s.override
	return &ov
}

// WriteOverride merges patch into the current override (creating one when
// absent), stamps UpdatedAt, and persists atomically. Memory is updated even
// when the disk write fails; the error is returned so callers can log it.
func (s *Store) WriteOverride(patch models.PolicyPatch) (models.PolicyOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := models.PolicyOverride{KillSwitch: s.envDefault}
	if s.override != nil {
		next = *s.override
	}
	if patch.KillSwitch != nil {
		next.KillSwitch = *patch.KillSwitch
	}
	next.UpdatedAt = time.Now().UTC()
	s.override = &next
	err := writeJSONAtomic(filepath.Join(s.dir, overrideFile), next)
	return next, err
}

// Effective merges the override over the environment default.
func (s *Store) Effective() models.EffectivePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override != nil {
		ov := *s.override
		return models.EffectivePolicy{
			KillSwitch: ov.KillSwitch,
			Source:     models.PolicySourceOverride,
			Override:   &ov,
		}
	}
	return models.EffectivePolicy{
		KillSwitch: s.envDefault,
		Source:     models.PolicySourceEnv,
	}
}

// AllowWrite reports the current AI write-enable flag.
func (s *Store) AllowWrite() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowWrite
}

// SetAllowWrite flips the AI write-enable flag and persists it.
func (s *Store) SetAllowWrite(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowWrite = enabled
	return writeJSONAtomic(filepath.Join(s.dir, allowWriteFile), struct {
		Enabled bool      `json:"enabled"`
		TS      time.Time `json:"ts"`
	}{Enabled: enabled, TS: time.Now().UTC()})
}

// writeJSONAtomic writes via a temp file and rename so readers never observe
// a partial document.
func writeJSONAtomic(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// EnvBool parses a kill-switch style environment flag ("1", "true", "yes",
// "on" are true).
func EnvBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

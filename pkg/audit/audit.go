package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"sparkgate/pkg/models"
)

// Sink receives a copy of every appended entry. Optional; used for the
// Postgres mirror and the metrics counter.
type Sink interface {
	Append(ctx context.Context, e models.AuditEntry) error
}

// Logger is the append-only NDJSON decision trail. Append never returns an
// error to callers: a decision must not fail because its audit write did, but
// every lost write is counted and logged so the loss is visible.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	failures int64
	onFail   func()
	sinks    []Sink
}

// Open appends to path, creating it when absent.
func Open(path string) (*Logger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit: log path required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Logger{path: path, file: f}, nil
}

// OnFailure registers a hook invoked once per lost append.
func (l *Logger) OnFailure(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFail = fn
}

// AddSink mirrors future appends to s. Sink errors count as failures but do
// not affect the file write.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append writes one NDJSON line and syncs before returning. Missing
// timestamps are stamped with the current UTC time.
func (l *Logger) Append(ctx context.Context, e models.AuditEntry) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		l.recordFailure("marshal", err)
		return
	}
	l.mu.Lock()
	_, werr := l.file.Write(append(raw, '\n'))
	if werr == nil {
		werr = l.file.Sync()
	}
	sinks := l.sinks
	l.mu.Unlock()
	if werr != nil {
		l.recordFailure("write", werr)
	}
	for _, s := range sinks {
		if err := s.Append(ctx, e); err != nil {
			l.recordFailure("sink", err)
		}
	}
}

func (l *Logger) recordFailure(stage string, err error) {
	l.mu.Lock()
	l.failures++
	fn := l.onFail
	l.mu.Unlock()
	log.Printf("audit: %s failed, entry lost: %v", stage, err)
	if fn != nil {
		fn()
	}
}

// Failures reports how many appends were lost since open.
func (l *Logger) Failures() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Recent returns up to limit most recent entries, oldest first. Unparseable
// lines are skipped. Reads do not take the logger lock: the path never
// changes after Open and O_APPEND writes land a whole line at a time, so the
// worst a concurrent append can produce is a torn trailing line, which is
// skipped like any other bad line.
func (l *Logger) Recent(limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	defer f.Close()
	var entries []models.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close syncs and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// Package memory provides the per-session conversation log, the
// tool-turn codec, the memory injector, and session compaction.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// CompactedPrefix marks the single synthesised turn a compacted
// session file consists of.
const CompactedPrefix = "[COMPACTED SUMMARY]"

// Turn is one line of a session file.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	ModelUsed string    `json:"model_used,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionKeyRE is the only shape of session key the log will touch the
// filesystem for: user_<id>_<YYYYMMDD>, where the id is alphanumeric
// plus "+" for E.164 numbers. Anything else — separators, dots,
// traversal — is rejected before a path is built.
var sessionKeyRE = regexp.MustCompile(`^user_[A-Za-z0-9+]+_[0-9]{8}$`)

// ValidSessionKey reports whether key is safe to use as a file stem.
func ValidSessionKey(key string) bool {
	return sessionKeyRE.MatchString(key)
}

// Log is the append-only JSONL conversation log. One file per session
// key; writes to the same session are serialised by a per-key lock.
type Log struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewLog creates the session directory if needed and returns a log
// rooted there.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		dir:    dir,
		logger: logger.With("component", "sessionlog"),
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

func (l *Log) lockFor(key string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &sync.RWMutex{}
		l.locks[key] = lk
	}
	return lk
}

func (l *Log) pathFor(key string) (string, error) {
	if !ValidSessionKey(key) {
		return "", fmt.Errorf("invalid session key %q", key)
	}
	return filepath.Join(l.dir, key+".jsonl"), nil
}

// Append writes one turn to the session file.
func (l *Log) Append(key string, turn Turn) error {
	path, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	lk := l.lockFor(key)
	lk.Lock()
	defer lk.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns the last limit turns of a session in append order.
// limit <= 0 returns everything. A missing session file is an empty
// session, not an error.
func (l *Log) Recent(key string, limit int) ([]Turn, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return nil, err
	}

	lk := l.lockFor(key)
	lk.RLock()
	defer lk.RUnlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var turns []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			// A crash mid-append can leave a truncated last line.
			l.logger.Warn("skipping malformed session line", "session", key, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Compact replaces the session file with a single assistant turn
// carrying the summary behind the compacted-summary sentinel.
// Compacting an already-compacted session with the same summary is a
// no-op, so applying compaction twice leaves the file untouched.
func (l *Log) Compact(key, summary string) error {
	path, err := l.pathFor(key)
	if err != nil {
		return err
	}
	content := CompactedPrefix + "\n\n" + summary

	lk := l.lockFor(key)
	lk.Lock()
	defer lk.Unlock()

	if existing, err := l.readAllLocked(path); err == nil &&
		len(existing) == 1 && existing[0].Content == content {
		return nil
	}

	turn := Turn{
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal summary turn: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written file
	// where a full session used to be.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(line, '\n'), 0o644); err != nil {
		return fmt.Errorf("write compacted session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// readAllLocked parses a session file without taking the per-key lock;
// callers already hold it.
func (l *Log) readAllLocked(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var t Turn
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, sc.Err()
}

// SessionKeys lists the session keys present on disk for one user,
// oldest first by name (names embed the UTC date, so lexical order is
// chronological).
func (l *Log) SessionKeys(userID string) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	prefix := "user_" + userID + "_"
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		stem := name[:len(name)-len(".jsonl")]
		if ValidSessionKey(stem) && len(stem) > len(prefix) && stem[:len(prefix)] == prefix {
			keys = append(keys, stem)
		}
	}
	return keys, nil
}

// EstimateTokens approximates the prompt cost of a turn list at four
// characters per token.
func EstimateTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len(t.Content) / 4
	}
	return total
}

// TrimToBudget drops the oldest turns until the estimate fits budget.
// The most recent turns always survive.
func TrimToBudget(turns []Turn, budget int) []Turn {
	if budget <= 0 {
		return turns
	}
	for len(turns) > 0 && EstimateTokens(turns) > budget {
		turns = turns[1:]
	}
	return turns
}

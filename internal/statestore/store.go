// Package statestore implements the on-disk JSON layout of spec §4.J:
// daemon state, per-trigger state, and a bounded execution history,
// all written atomically (tmp file + rename, falling back to a direct
// overwrite across filesystem boundaries). Grounded on the teacher's
// checkpoint.Manager (internal/controller/checkpoint/checkpoint.go) —
// same Enabled()/directory-layout idiom, upgraded to atomic writes.
package statestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

// DefaultMaxHistory bounds how many execution records are retained per
// trigger before the oldest are pruned.
const DefaultMaxHistory = 100

// Store reads and writes the daemon's on-disk state tree rooted at dir.
type Store struct {
	dir        string
	maxHistory int
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agerrors.Wrap(err, "creating state directory")
	}
	return &Store{dir: dir, maxHistory: DefaultMaxHistory}, nil
}

// WithMaxHistory overrides DefaultMaxHistory.
func (s *Store) WithMaxHistory(n int) *Store {
	if n > 0 {
		s.maxHistory = n
	}
	return s
}

// DaemonState is the top-level daemon.json snapshot.
type DaemonState struct {
	StartedAt    time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// TriggerState is persisted per trigger (§3).
type TriggerState struct {
	Enabled             bool       `json:"enabled"`
	LastFiredAt         *time.Time `json:"last_fired_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	ExecutionCount      int        `json:"execution_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// ExecutionRecord is one completed run of a trigger's workflow (§3).
type ExecutionRecord struct {
	TriggerID   string     `json:"trigger_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	Status      string     `json:"status"`
	WorkflowID  string      `json:"workflow_id"`
}

func (s *Store) daemonPath() string {
	return filepath.Join(s.dir, "daemon.json")
}

func (s *Store) triggerDir(triggerID string) string {
	return filepath.Join(s.dir, "triggers", triggerID)
}

func (s *Store) statePath(triggerID string) string {
	return filepath.Join(s.triggerDir(triggerID), "state.json")
}

func (s *Store) lastResultPath(triggerID string) string {
	return filepath.Join(s.triggerDir(triggerID), "last-result.json")
}

func (s *Store) historyDir(triggerID string) string {
	return filepath.Join(s.triggerDir(triggerID), "history")
}

// SaveDaemonState atomically writes daemon.json.
func (s *Store) SaveDaemonState(st DaemonState) error {
	return writeJSON(s.daemonPath(), st)
}

// LoadDaemonState reads daemon.json, returning the zero value if absent.
func (s *Store) LoadDaemonState() (DaemonState, error) {
	var st DaemonState
	ok, err := readJSON(s.daemonPath(), &st)
	if err != nil || !ok {
		return DaemonState{}, err
	}
	return st, nil
}

// SaveTriggerState atomically writes a trigger's state.json.
func (s *Store) SaveTriggerState(triggerID string, st TriggerState) error {
	if err := os.MkdirAll(s.triggerDir(triggerID), 0o755); err != nil {
		return agerrors.Wrap(err, "creating trigger directory")
	}
	return writeJSON(s.statePath(triggerID), st)
}

// LoadTriggerState reads a trigger's state.json, returning a disabled
// zero-value state if the file doesn't exist yet.
func (s *Store) LoadTriggerState(triggerID string) (TriggerState, error) {
	var st TriggerState
	ok, err := readJSON(s.statePath(triggerID), &st)
	if err != nil {
		return TriggerState{}, err
	}
	if !ok {
		return TriggerState{Enabled: true}, nil
	}
	return st, nil
}

// SaveLastResult atomically writes a trigger's last-result.json. result
// is any JSON-serializable value the evaluate-gate/analyzer produced.
func (s *Store) SaveLastResult(triggerID string, result any) error {
	if err := os.MkdirAll(s.triggerDir(triggerID), 0o755); err != nil {
		return agerrors.Wrap(err, "creating trigger directory")
	}
	return writeJSON(s.lastResultPath(triggerID), result)
}

// LoadLastResult reads a trigger's last-result.json into dest,
// reporting false if no result has been recorded yet.
func (s *Store) LoadLastResult(triggerID string, dest any) (bool, error) {
	return readJSON(s.lastResultPath(triggerID), dest)
}

// RecordExecution appends an ExecutionRecord under
// <triggerDir>/history/<completedAtEpochMs13>.json, then prunes the
// oldest entries beyond maxHistory (§4.J).
func (s *Store) RecordExecution(rec ExecutionRecord) error {
	dir := s.historyDir(rec.TriggerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agerrors.Wrap(err, "creating history directory")
	}

	filename := historyFilename(rec.CompletedAt)
	if err := writeJSON(filepath.Join(dir, filename), rec); err != nil {
		return err
	}
	return s.pruneHistory(rec.TriggerID)
}

// History returns every recorded ExecutionRecord for triggerID, oldest
// first (lexicographic filename order, which is chronological since
// filenames are fixed-width epoch-ms).
func (s *Store) History(triggerID string) ([]ExecutionRecord, error) {
	names, err := historyFilenames(s.historyDir(triggerID))
	if err != nil {
		return nil, err
	}

	records := make([]ExecutionRecord, 0, len(names))
	for _, name := range names {
		var rec ExecutionRecord
		ok, err := readJSON(filepath.Join(s.historyDir(triggerID), name), &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Store) pruneHistory(triggerID string) error {
	dir := s.historyDir(triggerID)
	names, err := historyFilenames(dir)
	if err != nil {
		return err
	}
	if len(names) <= s.maxHistory {
		return nil
	}
	for _, name := range names[:len(names)-s.maxHistory] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return agerrors.Wrap(err, "pruning history entry")
		}
	}
	return nil
}

func historyFilenames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agerrors.Wrap(err, "listing history directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// historyFilename zero-pads an epoch-ms timestamp to 13 digits so
// lexicographic and chronological filename order coincide.
func historyFilename(t time.Time) string {
	ms := t.UnixMilli()
	return padEpochMs(ms) + ".json"
}

func padEpochMs(ms int64) string {
	digits := []byte("0000000000000")
	for i := len(digits) - 1; i >= 0 && ms > 0; i-- {
		digits[i] = byte('0' + ms%10)
		ms /= 10
	}
	return string(digits)
}

// writeJSON marshals v and writes it atomically: <path>.tmp then
// rename, falling back to a direct overwrite if the rename fails
// (e.g. across a filesystem/device boundary) — §4.J.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return agerrors.Wrap(err, "marshalling state")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return agerrors.Wrap(err, "writing temp state file")
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return agerrors.Wrap(err, "writing state file directly after rename failure")
		}
	}
	return nil
}

// readJSON unmarshals path into dest, returning (false, nil) if the
// file does not exist (§4.J missing-file tolerance).
func readJSON(path string, dest any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, agerrors.Wrap(err, "reading state file")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, agerrors.Wrap(err, "parsing state file")
	}
	return true, nil
}

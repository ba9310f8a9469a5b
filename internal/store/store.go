// Package store persists correlated records durably, quarantining
// malformed data instead of failing the browsing loop.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"feedtrace/internal/core"
)

// Store is an append-only record store rooted at one output directory.
// Record keys are (scenario, run, user, record id), so concurrent sessions
// sharing a run id never overwrite each other. Safe for concurrent use: every
// write targets a fresh file created with O_EXCL.
type Store struct {
	root string
	log  *zap.Logger
}

// Open creates the store root if needed.
func Open(root string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// Key identifies where a session's records live.
type Key struct {
	Scenario string
	RunID    string
	UserID   string
}

func (k Key) dir(root, sub string) string {
	return filepath.Join(root,
		"scenario_"+sanitize(k.Scenario),
		"run_"+sanitize(k.RunID),
		"user_"+sanitize(k.UserID),
		sub)
}

// StoreInteraction validates and persists one interaction record. A record
// that fails validation is quarantined with its failure reason and a nil
// error is returned; only I/O failures propagate.
func (s *Store) StoreInteraction(key Key, rec *core.InteractionRecord) error {
	if err := validateInteraction(rec); err != nil {
		return s.quarantine(key, rec, err)
	}
	name := fmt.Sprintf("interaction_%06d_%s.json", rec.SequenceNo, rec.RecordID)
	return s.write(key.dir(s.root, "interactions"), name, rec)
}

// StoreResponse validates and persists one captured exchange.
func (s *Store) StoreResponse(key Key, rec *core.ResponseRecord) error {
	if err := validateResponse(rec); err != nil {
		return s.quarantine(key, rec, err)
	}
	name := fmt.Sprintf("response_%06d_%s.json", rec.SequenceNo, rec.RecordID)
	return s.write(key.dir(s.root, "responses"), name, rec)
}

// quarantinedRecord wraps the offending payload with its failure reason.
type quarantinedRecord struct {
	Reason        string      `json:"reason"`
	QuarantinedAt time.Time   `json:"quarantined_at"`
	Record        interface{} `json:"record"`
}

func (s *Store) quarantine(key Key, rec interface{}, cause error) error {
	s.log.Warn("quarantining malformed record", zap.Error(cause))

	// A record can be invalid in ways that defeat marshaling too; fall back
	// to its string form so the quarantine file still captures something.
	var payload interface{} = rec
	if _, err := json.Marshal(rec); err != nil {
		payload = fmt.Sprintf("%+v", rec)
	}

	name := fmt.Sprintf("invalid_%s_%s.json",
		time.Now().UTC().Format("20060102-150405"), uuid.NewString())
	wrapped := quarantinedRecord{
		Reason:        cause.Error(),
		QuarantinedAt: time.Now().UTC(),
		Record:        payload,
	}
	if err := s.write(key.dir(s.root, "quarantine"), name, wrapped); err != nil {
		// Even a failing quarantine write must not abort the session loop.
		s.log.Error("quarantine write failed", zap.Error(err))
	}
	return nil
}

// write marshals v into dir/name, creating the file exclusively so records
// are never overwritten.
func (s *Store) write(dir, name string, v interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating record dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating record file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing record file: %w", err)
	}
	return f.Close()
}

// SaveRunConfig snapshots the effective configuration a session ran with,
// so a stored run is self-describing.
func (s *Store) SaveRunConfig(key Key, cfg interface{}) error {
	return s.write(key.dir(s.root, "config"), "config.json", cfg)
}

// SaveSummary persists the coordinator's final manifest summary at the
// store root.
func (s *Store) SaveSummary(summary interface{}) error {
	name := fmt.Sprintf("summary_%s.json", time.Now().UTC().Format("20060102-150405"))
	return s.write(s.root, name, summary)
}

func validateInteraction(rec *core.InteractionRecord) error {
	if rec == nil {
		return &core.ValidationError{Field: "record", Reason: "nil"}
	}
	if rec.RecordID == "" {
		return &core.ValidationError{Field: "record_id", Reason: "empty"}
	}
	if rec.SessionID == "" {
		return &core.ValidationError{Field: "session_id", Reason: "empty"}
	}
	if rec.UserID == "" {
		return &core.ValidationError{Field: "user_id", Reason: "empty"}
	}
	if rec.Kind != core.RecordInteraction {
		return &core.ValidationError{Field: "kind", Reason: fmt.Sprintf("unexpected %q", rec.Kind)}
	}
	if rec.Timestamp.IsZero() {
		return &core.ValidationError{Field: "timestamp", Reason: "zero"}
	}
	if rec.ContentID == "" && !rec.Orphaned {
		return &core.ValidationError{Field: "content_id", Reason: "empty but record not marked orphaned"}
	}
	if rec.Action.Kind == "" {
		return &core.ValidationError{Field: "payload.kind", Reason: "empty action kind"}
	}
	return nil
}

func validateResponse(rec *core.ResponseRecord) error {
	if rec == nil {
		return &core.ValidationError{Field: "record", Reason: "nil"}
	}
	if rec.RecordID == "" {
		return &core.ValidationError{Field: "record_id", Reason: "empty"}
	}
	if rec.SessionID == "" {
		return &core.ValidationError{Field: "session_id", Reason: "empty"}
	}
	if rec.UserID == "" {
		return &core.ValidationError{Field: "user_id", Reason: "empty"}
	}
	if rec.SequenceNo == 0 {
		return &core.ValidationError{Field: "sequence_no", Reason: "zero"}
	}
	switch rec.Kind {
	case core.RecordFeedBatch, core.RecordActionAck, core.RecordOther:
	default:
		return &core.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown %q", rec.Kind)}
	}
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return &core.ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	return nil
}

// sanitize keeps record keys filesystem-safe.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

package core

import (
	"encoding/json"
	"time"
)

// RecordKind classifies a persisted record.
type RecordKind string

const (
	// RecordFeedBatch is a captured exchange that plausibly carries new
	// feed items (itemList responses from the recommend endpoint).
	RecordFeedBatch RecordKind = "feed_batch"
	// RecordActionAck is a captured exchange acknowledging a user action
	// (like/follow endpoints).
	RecordActionAck RecordKind = "action_ack"
	// RecordOther is captured traffic unrelated to the feed.
	RecordOther RecordKind = "other"
	// RecordInteraction binds an action to the content item it targeted.
	RecordInteraction RecordKind = "interaction"
)

// ResponseRecord is a raw captured network exchange, independent of whether
// it was correlated to a content item. Sequence numbers are strictly
// increasing and gap-free per session under normal operation; a lost capture
// surfaces as GapBefore on the next record, never as a silent hole.
type ResponseRecord struct {
	RecordID   string          `json:"record_id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	ContentID  string          `json:"content_id,omitempty"`
	Kind       RecordKind      `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	SequenceNo uint64          `json:"sequence_no"`
	URL        string          `json:"url,omitempty"`
	Status     int             `json:"status,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ambiguous  bool            `json:"ambiguous,omitempty"`
	GapBefore  bool            `json:"gap_before,omitempty"`
}

// InteractionRecord is the correlated unit of record: one action, the
// content item it targeted, and the captured exchanges attributed to the
// step that produced it. ContentID is empty only for orphaned records.
type InteractionRecord struct {
	RecordID     string     `json:"record_id"`
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	ContentID    string     `json:"content_id,omitempty"`
	Kind         RecordKind `json:"kind"`
	Timestamp    time.Time  `json:"timestamp"`
	SequenceNo   uint64     `json:"sequence_no"` // action ordinal within the session
	Action       Action     `json:"payload"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	ResponseSeqs []uint64   `json:"response_seqs,omitempty"`
	Ambiguous    bool       `json:"ambiguous,omitempty"`
	Orphaned     bool       `json:"orphaned,omitempty"`
}

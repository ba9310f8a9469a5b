// Package intercept captures a session's network traffic and correlates it
// to feed content.
package intercept

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"feedtrace/internal/core"
)

const defaultBufferSize = 256

// Exchange is one observed request/response pair, as reported by the driver's
// network event subscription.
type Exchange struct {
	RequestID   string
	URL         string
	Method      string
	Status      int
	RequestedAt time.Time
	CompletedAt time.Time
	Body        []byte
}

// Options configure an interceptor for one session.
type Options struct {
	SessionID string
	UserID    string
	// TargetEndpoint is the feed endpoint whose responses carry new items.
	TargetEndpoint string
	// BufferSize bounds the capture queue. Overflow is counted as a capture
	// gap rather than blocking the producer.
	BufferSize int
	Clock      core.Clock
	Logger     *zap.Logger
}

// Interceptor buffers captured exchanges for one session, assigns gap-free
// sequence numbers, and answers pull-based correlation queries. The producer
// side (Observe, ReportLoss) never blocks; the consumer side drains the
// buffer on demand.
type Interceptor struct {
	opts Options

	seq atomic.Uint64
	ch  chan core.ResponseRecord

	mu       sync.Mutex
	records  []core.ResponseRecord
	lastSeq  uint64
	gaps     int
	batches  int
	drained  int // index into records already handed out by Drain
	claims   map[uint64]claim
	pending  []core.ContentItem
	seenItem map[string]struct{}
	itemSeq  int
}

// claim remembers which content item's window a record was attributed to.
type claim struct {
	contentID   string
	windowStart time.Time
}

// New creates an interceptor for one session.
func New(opts Options) *Interceptor {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Interceptor{
		opts:     opts,
		ch:       make(chan core.ResponseRecord, opts.BufferSize),
		claims:   make(map[uint64]claim),
		seenItem: make(map[string]struct{}),
	}
}

// Observe records one captured exchange. Safe to call from the driver's
// event goroutine; never blocks. A full buffer drops the record and the
// loss surfaces as a flagged gap on the next delivered record.
func (i *Interceptor) Observe(ex Exchange) {
	seq := i.seq.Add(1)
	ts := ex.CompletedAt
	if ts.IsZero() {
		ts = i.opts.Clock.Now()
	}

	rec := core.ResponseRecord{
		RecordID:   uuid.NewString(),
		SessionID:  i.opts.SessionID,
		UserID:     i.opts.UserID,
		Kind:       i.classify(ex),
		Timestamp:  ts,
		SequenceNo: seq,
		URL:        ex.URL,
		Status:     ex.Status,
		Payload:    ex.Body,
	}

	select {
	case i.ch <- rec:
	default:
		i.opts.Logger.Warn("capture buffer full, dropping exchange",
			zap.Uint64("sequence_no", seq), zap.String("url", ex.URL))
	}
}

// ReportLoss consumes a sequence slot for an exchange whose body could not
// be retrieved. The discontinuity is flagged on the next delivered record.
func (i *Interceptor) ReportLoss(requestID string, cause error) {
	seq := i.seq.Add(1)
	i.opts.Logger.Warn("capture lost",
		zap.String("request_id", requestID),
		zap.Uint64("sequence_no", seq),
		zap.Error(cause))
}

// classify applies the content-relevance heuristic: does this exchange
// plausibly carry a new feed batch, an action acknowledgment, or neither.
func (i *Interceptor) classify(ex Exchange) core.RecordKind {
	if i.opts.TargetEndpoint != "" && strings.HasPrefix(ex.URL, i.opts.TargetEndpoint) {
		if gjson.GetBytes(ex.Body, "itemList").IsArray() {
			return core.RecordFeedBatch
		}
		return core.RecordOther
	}
	if strings.Contains(ex.URL, "/commit/item/digg") || strings.Contains(ex.URL, "/commit/follow/user") {
		return core.RecordActionAck
	}
	return core.RecordOther
}

// drainLocked moves buffered records into the ordered log, detecting
// sequence discontinuities. Callers hold i.mu.
func (i *Interceptor) drainLocked() {
	for {
		select {
		case rec := <-i.ch:
			if i.lastSeq != 0 && rec.SequenceNo != i.lastSeq+1 {
				rec.GapBefore = true
				i.gaps++
				gap := &core.CaptureGapError{
					SessionID: i.opts.SessionID,
					Expected:  i.lastSeq + 1,
					Got:       rec.SequenceNo,
				}
				i.opts.Logger.Warn("capture gap detected", zap.Error(gap))
			} else if i.lastSeq == 0 && rec.SequenceNo != 1 {
				rec.GapBefore = true
				i.gaps++
			}
			i.lastSeq = rec.SequenceNo
			if rec.Kind == core.RecordFeedBatch {
				i.batches++
				i.extractItemsLocked(&rec)
			}
			i.records = append(i.records, rec)
		default:
			return
		}
	}
}

// extractItemsLocked pulls new content items out of a feed batch. Items are
// deduplicated by id; livestreams and ads are kept but marked so the
// scheduler skips them, matching the feed's own skip semantics.
func (i *Interceptor) extractItemsLocked(rec *core.ResponseRecord) {
	list := gjson.GetBytes(rec.Payload, "itemList")
	list.ForEach(func(_, item gjson.Result) bool {
		id := strings.TrimSpace(item.Get("id").String())
		if id == "" {
			if room := item.Get("liveRoomInfo.roomID"); room.Exists() {
				id = "livestream_" + room.String()
			} else {
				id = "unknown_" + uuid.NewString()
			}
		}
		if _, dup := i.seenItem[id]; dup {
			return true
		}
		i.seenItem[id] = struct{}{}

		kind := core.ContentVideo
		switch {
		case item.Get("isAd").Bool():
			kind = core.ContentAd
		case item.Get("containerType").Int() == 2, item.Get("liveRoomInfo").Exists():
			kind = core.ContentLivestream
		case item.Get("video.duration").Float() == 0:
			kind = core.ContentLivestream
		}

		var hashtags []string
		item.Get("textExtra").ForEach(func(_, extra gjson.Result) bool {
			if tag := extra.Get("hashtagName").String(); tag != "" {
				hashtags = append(hashtags, strings.ToLower(tag))
			}
			return true
		})

		i.pending = append(i.pending, core.ContentItem{
			ID:         id,
			Kind:       kind,
			Seq:        i.itemSeq,
			AuthorID:   item.Get("author.id").String(),
			AuthorName: item.Get("author.uniqueId").String(),
			Hashtags:   hashtags,
			Duration:   time.Duration(item.Get("video.duration").Float() * float64(time.Second)),
			PayloadRef: rec.RecordID,
			ObservedAt: rec.Timestamp,
		})
		i.itemSeq++
		return true
	})
}

// PopItem returns the next content item extracted from captured feed
// batches, in feed order.
func (i *Interceptor) PopItem() (*core.ContentItem, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()

	if len(i.pending) == 0 {
		return nil, false
	}
	item := i.pending[0]
	i.pending = i.pending[1:]
	return &item, true
}

// Correlate returns the captured records attributed to the item's window:
// feed-relevant records whose timestamps fall inside [windowStart,
// windowEnd]. A record already claimed by an overlapping window is
// re-attributed to whichever window's start is nearer to the record's
// timestamp; exact ties stay with the earlier-opened window. Either way the
// record is flagged ambiguous rather than silently assigned.
func (i *Interceptor) Correlate(item *core.ContentItem, windowStart, windowEnd time.Time) []core.ResponseRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()

	var matched []core.ResponseRecord
	for idx := range i.records {
		rec := &i.records[idx]
		if rec.Kind == core.RecordOther {
			continue
		}
		if rec.Timestamp.Before(windowStart) || rec.Timestamp.After(windowEnd) {
			continue
		}

		prev, claimed := i.claims[rec.SequenceNo]
		if claimed && prev.contentID != item.ID {
			rec.Ambiguous = true
			if !i.winsClaim(rec.Timestamp, windowStart, prev.windowStart) {
				continue
			}
		}

		i.claims[rec.SequenceNo] = claim{contentID: item.ID, windowStart: windowStart}
		rec.ContentID = item.ID
		matched = append(matched, *rec)
	}
	return matched
}

// winsClaim decides whether a window opened at challenger takes a record
// away from one opened at incumbent. Nearest window start by timestamp
// proximity wins; a tie keeps the earliest-opened window.
func (i *Interceptor) winsClaim(recTS, challenger, incumbent time.Time) bool {
	dc := absDuration(recTS.Sub(challenger))
	di := absDuration(recTS.Sub(incumbent))
	if dc != di {
		return dc < di
	}
	return challenger.Before(incumbent)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Drain returns the records not yet handed to persistence, in sequence
// order. Each record is returned exactly once.
func (i *Interceptor) Drain() []core.ResponseRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()

	out := make([]core.ResponseRecord, len(i.records)-i.drained)
	copy(out, i.records[i.drained:])
	i.drained = len(i.records)
	return out
}

// Records returns a snapshot of everything captured so far, ordered by
// sequence number.
func (i *Interceptor) Records() []core.ResponseRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()

	out := make([]core.ResponseRecord, len(i.records))
	copy(out, i.records)
	return out
}

// Gaps reports how many sequence discontinuities were flagged.
func (i *Interceptor) Gaps() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()
	return i.gaps
}

// Batches reports how many feed batches were captured, for the per-session
// batch budget.
func (i *Interceptor) Batches() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.drainLocked()
	return i.batches
}

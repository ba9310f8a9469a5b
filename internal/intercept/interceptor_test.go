package intercept

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedtrace/internal/core"
)

const endpoint = "https://www.tiktok.com/api/recommend/item_list"

func newTestInterceptor(clock core.Clock) *Interceptor {
	return New(Options{
		SessionID:      "sess-1",
		UserID:         "user-1",
		TargetEndpoint: endpoint,
		Clock:          clock,
	})
}

func feedBatchBody(ids ...string) []byte {
	body := `{"itemList":[`
	for n, id := range ids {
		if n > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id":%q,"desc":"clip %s","author":{"id":"a-%s","uniqueId":"author%s"},"video":{"duration":15},"textExtra":[{"hashtagName":"Football"}]}`, id, id, id, id)
	}
	return []byte(body + `]}`)
}

func TestObserve_SequenceNumbersGapFree(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})

	for n := 0; n < 10; n++ {
		ic.Observe(Exchange{URL: "https://cdn.example.com/asset", Status: 200})
	}

	records := ic.Records()
	require.Len(t, records, 10)
	for n, rec := range records {
		assert.Equal(t, uint64(n+1), rec.SequenceNo)
		assert.False(t, rec.GapBefore, "record %d should not be flagged", n)
		assert.Equal(t, "sess-1", rec.SessionID)
		assert.NotEmpty(t, rec.RecordID)
	}
	assert.Zero(t, ic.Gaps())
}

func TestReportLoss_FlagsGapOnNextRecord(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})

	ic.Observe(Exchange{URL: endpoint, Body: feedBatchBody("v1")})
	ic.ReportLoss("req-lost", fmt.Errorf("body unavailable"))
	ic.Observe(Exchange{URL: endpoint, Body: feedBatchBody("v2")})

	records := ic.Records()
	require.Len(t, records, 2)
	assert.False(t, records[0].GapBefore)
	assert.True(t, records[1].GapBefore, "record after a lost capture must be flagged")
	assert.Equal(t, uint64(3), records[1].SequenceNo)
	assert.Equal(t, 1, ic.Gaps())
}

func TestObserve_Classification(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})

	ic.Observe(Exchange{URL: endpoint + "?count=12", Body: feedBatchBody("v1")})
	ic.Observe(Exchange{URL: endpoint, Body: []byte(`{"statusCode":0}`)})
	ic.Observe(Exchange{URL: "https://www.tiktok.com/api/commit/item/digg/?aweme_id=1", Body: []byte(`{}`)})
	ic.Observe(Exchange{URL: "https://www.tiktok.com/api/commit/follow/user/", Body: []byte(`{}`)})
	ic.Observe(Exchange{URL: "https://cdn.example.com/font.woff"})

	records := ic.Records()
	require.Len(t, records, 5)
	assert.Equal(t, core.RecordFeedBatch, records[0].Kind)
	assert.Equal(t, core.RecordOther, records[1].Kind, "target endpoint without itemList is not a batch")
	assert.Equal(t, core.RecordActionAck, records[2].Kind)
	assert.Equal(t, core.RecordActionAck, records[3].Kind)
	assert.Equal(t, core.RecordOther, records[4].Kind)
}

func TestPopItem_ExtractsFeedItemsInOrder(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})
	ic.Observe(Exchange{URL: endpoint, Body: feedBatchBody("v1", "v2")})

	first, ok := ic.PopItem()
	require.True(t, ok)
	assert.Equal(t, "v1", first.ID)
	assert.Equal(t, 0, first.Seq)
	assert.Equal(t, core.ContentVideo, first.Kind)
	assert.Equal(t, "authorv1", first.AuthorName)
	assert.Equal(t, []string{"football"}, first.Hashtags, "hashtags are lowercased")
	assert.Equal(t, 15*time.Second, first.Duration)

	second, ok := ic.PopItem()
	require.True(t, ok)
	assert.Equal(t, "v2", second.ID)
	assert.Equal(t, 1, second.Seq)

	_, ok = ic.PopItem()
	assert.False(t, ok)
}

func TestPopItem_SkipKindsAndDedupe(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})
	body := []byte(`{"itemList":[
		{"id":"live1","containerType":2,"liveRoomInfo":{"roomID":"r1"},"video":{"duration":0}},
		{"id":"ad1","isAd":true,"video":{"duration":10}},
		{"id":"v1","video":{"duration":12}},
		{"id":"v1","video":{"duration":12}},
		{"liveRoomInfo":{"roomID":"r2"}}
	]}`)
	ic.Observe(Exchange{URL: endpoint, Body: body})

	var items []core.ContentItem
	for {
		item, ok := ic.PopItem()
		if !ok {
			break
		}
		items = append(items, *item)
	}

	require.Len(t, items, 4, "duplicate v1 must be dropped")
	assert.Equal(t, core.ContentLivestream, items[0].Kind)
	assert.Equal(t, core.ContentAd, items[1].Kind)
	assert.Equal(t, core.ContentVideo, items[2].Kind)
	assert.Equal(t, "livestream_r2", items[3].ID)
	assert.True(t, items[3].Skippable())
}

func TestCorrelate_WindowMatching(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	ic := newTestInterceptor(clock)
	base := clock.Now()

	ic.Observe(Exchange{URL: endpoint, Body: feedBatchBody("v1"), CompletedAt: base.Add(1 * time.Second)})
	ic.Observe(Exchange{URL: "https://www.tiktok.com/api/commit/item/digg/", Body: []byte(`{}`), CompletedAt: base.Add(2 * time.Second)})
	ic.Observe(Exchange{URL: "https://cdn.example.com/x", CompletedAt: base.Add(2 * time.Second)})
	ic.Observe(Exchange{URL: endpoint, Body: feedBatchBody("v9"), CompletedAt: base.Add(30 * time.Second)})

	item := &core.ContentItem{ID: "v1", ObservedAt: base}
	matched := ic.Correlate(item, base, base.Add(5*time.Second))

	require.Len(t, matched, 2, "unrelated traffic and out-of-window records excluded")
	assert.Equal(t, "v1", matched[0].ContentID)
	assert.Equal(t, "v1", matched[1].ContentID)
	assert.False(t, matched[0].Ambiguous)
}

func TestCorrelate_OverlappingWindows(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	ic := newTestInterceptor(clock)
	base := clock.Now()

	// One ack lands 4s in; two item windows overlap around it.
	ic.Observe(Exchange{URL: "https://www.tiktok.com/api/commit/item/digg/", Body: []byte(`{}`), CompletedAt: base.Add(4 * time.Second)})

	early := &core.ContentItem{ID: "early"}
	late := &core.ContentItem{ID: "late"}

	got := ic.Correlate(early, base, base.Add(6*time.Second))
	require.Len(t, got, 1)
	assert.False(t, got[0].Ambiguous)

	// The later window opened at +3s: its start is nearer to the record
	// timestamp (1s vs 4s), so it steals the record, flagged ambiguous.
	got = ic.Correlate(late, base.Add(3*time.Second), base.Add(6*time.Second))
	require.Len(t, got, 1)
	assert.True(t, got[0].Ambiguous)
	assert.Equal(t, "late", got[0].ContentID)

	// A third window at the same distance does not steal: tie keeps the
	// earlier-opened window.
	tie := &core.ContentItem{ID: "tie"}
	got = ic.Correlate(tie, base.Add(5*time.Second), base.Add(6*time.Second))
	assert.Empty(t, got)
}

func TestDrain_ReturnsEachRecordOnce(t *testing.T) {
	ic := newTestInterceptor(core.RealClock{})

	ic.Observe(Exchange{URL: "https://cdn.example.com/a"})
	ic.Observe(Exchange{URL: "https://cdn.example.com/b"})
	require.Len(t, ic.Drain(), 2)

	ic.Observe(Exchange{URL: "https://cdn.example.com/c"})
	batch := ic.Drain()
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(3), batch[0].SequenceNo)

	assert.Empty(t, ic.Drain())
}

func TestObserve_BufferOverflowSurfacesAsGap(t *testing.T) {
	ic := New(Options{
		SessionID:      "sess-1",
		UserID:         "user-1",
		TargetEndpoint: endpoint,
		BufferSize:     2,
	})

	// Three observes without a drain: the third is dropped.
	ic.Observe(Exchange{URL: "https://cdn.example.com/a"})
	ic.Observe(Exchange{URL: "https://cdn.example.com/b"})
	ic.Observe(Exchange{URL: "https://cdn.example.com/c"})

	records := ic.Records()
	require.Len(t, records, 2)

	// The next delivered record is flagged because sequence 3 never arrived.
	ic.Observe(Exchange{URL: "https://cdn.example.com/d"})
	records = ic.Records()
	require.Len(t, records, 3)
	assert.True(t, records[2].GapBefore)
	assert.Equal(t, uint64(4), records[2].SequenceNo)
	assert.Equal(t, 1, ic.Gaps())
}

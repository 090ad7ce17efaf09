package signals

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	ev, err := ParseEvent("page_view", 4, 1_700_000_010.5, nil, now)
	require.NoError(t, err)
	assert.Equal(t, PageView, ev.Type)
	assert.Equal(t, 4, ev.Page)
	assert.Equal(t, time.Unix(1_700_000_010, 500_000_000), ev.At)

	ev, err = ParseEvent("selection", 1, 0, map[string]interface{}{"text": "chlorophyll"}, now)
	require.NoError(t, err)
	assert.Equal(t, now, ev.At, "zero timestamp defaults to now")

	_, err = ParseEvent("blink", 1, 0, nil, now)
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = ParseEvent("page_view", -2, 0, nil, now)
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = ParseEvent("page_view", 1, -5, nil, now)
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}

func TestLog_AppendOnlyArrivalOrder(t *testing.T) {
	l := NewLog()
	t0 := time.Unix(100, 0)

	require.NoError(t, l.Append(ReadingEvent{Type: PageView, Page: 5, At: t0}))
	require.NoError(t, l.Append(ReadingEvent{Type: ScrollBack, Page: 5, At: t0.Add(2 * time.Second)}))
	require.NoError(t, l.Append(ReadingEvent{Type: PageView, Page: 5, At: t0.Add(time.Second)}))

	err := l.Append(ReadingEvent{Type: "wink", Page: 5, At: t0})
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, ScrollBack, snap[1].Type, "arrival order is preserved, not timestamp order")
	assert.Equal(t, 2, l.VisitCount(5))

	// mutating the snapshot leaves the log untouched
	snap[0].Page = 99
	assert.Equal(t, 5, l.Snapshot()[0].Page)
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(ReadingEvent{Type: Selection, Page: i, At: time.Unix(int64(i+1), 0)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}

func TestEventType_Activity(t *testing.T) {
	assert.True(t, PageView.Activity())
	assert.True(t, ScrollBack.Activity())
	assert.False(t, Idle.Activity())
	assert.False(t, EventType("nope").Activity())
}

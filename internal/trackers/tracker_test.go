package trackers

import (
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
)

func consoleMsg(level, text string) driver.ConsoleMessage {
	return driver.ConsoleMessage{Level: level, Text: text}
}

func networkEv(method, url string, status int) driver.NetworkEvent {
	return driver.NetworkEvent{Method: method, URL: url, Status: status}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	tr := New[int](8)
	for i := 0; i < 20; i++ {
		ev := tr.Append(i)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, uint64(20), tr.LastSeq())
	assert.Equal(t, 8, tr.Len())
}

func TestSeqSurvivesOverflow(t *testing.T) {
	// Property: regardless of capacity and append count, retained events are
	// ordered by strictly increasing seq and the newest is always present.
	check := func(capRaw uint8, countRaw uint8) bool {
		capacity := int(capRaw%16) + 1
		count := int(countRaw) + 1
		tr := New[int](capacity)
		for i := 0; i < count; i++ {
			tr.Append(i)
		}
		snap := tr.Snapshot(0)
		for i := 1; i < len(snap); i++ {
			if snap[i].Seq != snap[i-1].Seq+1 {
				return false
			}
		}
		return len(snap) > 0 && snap[len(snap)-1].Seq == uint64(count)
	}
	if err := quick.Check(check, nil); err != nil {
		t.Fatal(err)
	}
}

func TestPollCursor(t *testing.T) {
	tr := New[string](100)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		tr.Append(s)
	}

	res := tr.Poll(0, 0)
	require.Len(t, res.Events, 5)
	assert.Equal(t, uint64(5), res.NextSeq)
	assert.False(t, res.Truncated)

	// Polling from the returned cursor yields nothing new.
	res = tr.Poll(res.NextSeq, 0)
	assert.Empty(t, res.Events)
	assert.Equal(t, uint64(5), res.NextSeq)

	tr.Append("f")
	res = tr.Poll(res.NextSeq, 0)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "f", res.Events[0].Payload)
}

func TestPollMaxTruncates(t *testing.T) {
	tr := New[int](100)
	for i := 0; i < 10; i++ {
		tr.Append(i)
	}
	res := tr.Poll(0, 4)
	require.Len(t, res.Events, 4)
	assert.True(t, res.Truncated)
	assert.Equal(t, uint64(4), res.NextSeq)

	res = tr.Poll(res.NextSeq, 100)
	assert.Len(t, res.Events, 6)
	assert.False(t, res.Truncated)
}

func TestPollAfterEviction(t *testing.T) {
	tr := New[int](4)
	for i := 0; i < 10; i++ {
		tr.Append(i)
	}
	// Cursor points below the evicted range; only retained events come back.
	res := tr.Poll(2, 0)
	require.Len(t, res.Events, 4)
	assert.Equal(t, uint64(7), res.Events[0].Seq)
	assert.Equal(t, uint64(10), res.NextSeq)

	// An empty poll still advances a stale cursor past evicted space.
	res = tr.Poll(10, 0)
	assert.Empty(t, res.Events)
	assert.Equal(t, uint64(10), res.NextSeq)
}

func TestSubscribeDeliversInOrderExactlyOnce(t *testing.T) {
	tr := New[int](16)
	var mu sync.Mutex
	var got []uint64
	unsub := tr.Subscribe(func(ev Event[int]) {
		mu.Lock()
		got = append(got, ev.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.Append(n)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 8)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "delivery must follow seq order")
	}

	unsub()
	tr.Append(99)
	assert.Len(t, got, 8, "unsubscribed listener must not receive events")
}

func TestSubscribeNoReplay(t *testing.T) {
	tr := New[int](8)
	tr.Append(1)
	tr.Append(2)

	var got []int
	tr.Subscribe(func(ev Event[int]) { got = append(got, ev.Payload) })
	tr.Append(3)
	assert.Equal(t, []int{3}, got)
}

func TestDetachKeepsSeqMonotonic(t *testing.T) {
	tr := New[int](8)
	tr.Append(1)
	tr.Append(2)
	tr.Detach()

	assert.Equal(t, 0, tr.Len())
	ev := tr.Append(3)
	assert.Equal(t, uint64(3), ev.Seq, "seq continues after detach")
}

func TestSetDefaultsAndCapture(t *testing.T) {
	s := NewSet(Options{})
	assert.Equal(t, 0, s.Console.Len())

	ev := s.CaptureConsole(consoleMsg("error", "boom"))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, ConsoleError, ev.Payload.Category)

	req := s.CaptureRequest(networkEv("GET", "https://example.com/a?x=1", 0))
	assert.Equal(t, NetworkRequest, req.Payload.Phase)
	assert.Equal(t, "example.com", req.Payload.Host)
	assert.NotContains(t, req.Payload.URL, "x=1", "query must be stripped")

	resp := s.CaptureResponse(networkEv("GET", "https://example.com/a", 403))
	assert.Equal(t, NetworkResponse, resp.Payload.Phase)
	assert.Equal(t, 403, resp.Payload.Status)
}

func TestCaptureConsoleRedaction(t *testing.T) {
	redacting := NewSet(Options{})
	ev := redacting.CaptureConsole(consoleMsg("log", "token=sk_live_abcdef1234567890"))
	assert.NotContains(t, ev.Payload.Text, "sk_live_abcdef1234567890")

	full := NewSet(Options{ShowFullConsole: true})
	ev = full.CaptureConsole(consoleMsg("log", "token=sk_live_abcdef1234567890"))
	assert.Contains(t, ev.Payload.Text, "sk_live_abcdef1234567890")
}

func TestCaptureConsolePreviewTruncatesOnRuneBoundary(t *testing.T) {
	s := NewSet(Options{ShowFullConsole: true})

	// The leading byte shifts every two-byte rune off even offsets, so the
	// byte cap lands mid-rune.
	msg := driver.ConsoleMessage{Level: "log", ArgsPreview: "x" + strings.Repeat("é", maxArgsPreview)}
	ev := s.CaptureConsole(msg)
	assert.LessOrEqual(t, len(ev.Payload.ArgsPreview), maxArgsPreview)
	assert.True(t, utf8.ValidString(ev.Payload.ArgsPreview))

	short := s.CaptureConsole(driver.ConsoleMessage{Level: "log", ArgsPreview: "short"})
	assert.Equal(t, "short", short.Payload.ArgsPreview)
}

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/scancode"
)

// Test helpers

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := New(opts)
	t.Cleanup(func() { e.Close() })
	return e
}

func feedScript(t *testing.T, e *Engine, script string) {
	t.Helper()
	codes, err := scancode.ForScript(script)
	require.NoError(t, err)
	for _, c := range codes {
		require.NoError(t, e.Feed(c))
	}
}

func takeN(t *testing.T, e *Engine, n int) []scancode.Token {
	t.Helper()
	out := make([]scancode.Token, 0, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		tok, err := e.Take(ctx)
		cancel()
		require.NoError(t, err, "take %d of %d", i+1, n)
		out = append(out, tok)
	}
	return out
}

func assertDrained(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tok, err := e.Take(ctx)
	require.ErrorIs(t, err, ErrInterrupted, "unexpected extra token %v", tok)
}

func chars(s string) []scancode.Token {
	out := make([]scancode.Token, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = scancode.Char(s[i])
	}
	return out
}

func concat(parts ...[]scancode.Token) []scancode.Token {
	var out []scancode.Token
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// =============================================================================
// Delivery order
// =============================================================================

func TestLiveTypingIsDeliveredInOrder(t *testing.T) {
	e := newTestEngine(t, Options{})
	text := "Hello, World!\n"
	feedScript(t, e, text)

	assert.Equal(t, chars(text), takeN(t, e, len(text)))
	assertDrained(t, e)
}

func TestCommandTokensPassThrough(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{flatten}{reverse}{playback}")

	got := takeN(t, e, 3)
	assert.Equal(t, []scancode.Token{scancode.Flatten, scancode.Reverse, scancode.Playback}, got)
	assertDrained(t, e)
}

func TestBackspaceDeliveredLive(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "a{bs}")
	assert.Equal(t, chars("a\b"), takeN(t, e, 2))
}

// =============================================================================
// Record / playback
// =============================================================================

func TestRecordPlaybackRoundTrip(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}abc{playback}")

	want := concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("abc"))
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)

	st := e.Stats()
	assert.False(t, st.State.Recording)
	assert.Equal(t, uint64(1), st.Playbacks)
}

func TestReversePlayback(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}x\ny{reverse}{playback}")

	want := concat(
		[]scancode.Token{scancode.RecordStart, scancode.Reverse, scancode.Playback},
		chars("y x"),
	)
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)
}

func TestFlattenPlayback(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}x\ny{flatten}{playback}")

	want := concat(
		[]scancode.Token{scancode.RecordStart, scancode.Flatten, scancode.Playback},
		chars("x y"),
	)
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)
}

func TestPlaybackKeepsNewlinesWithoutFlatten(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}x\ny{playback}")

	want := concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("x\ny"))
	assert.Equal(t, want, takeN(t, e, len(want)))
}

func TestBackspaceNeverRecorded(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}a{bs}b{playback}")

	want := concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("ab"))
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)
	assert.Zero(t, e.Stats().RecordDropped, "backspace is not an overflow")
}

func TestRecordBufferFullDropsExtra(t *testing.T) {
	e := newTestEngine(t, Options{RecordCapacity: 4})
	feedScript(t, e, "{record}abcdef{playback}xy")

	want := concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("abcd"), chars("xy"))
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)
	assert.Equal(t, uint64(2), e.Stats().RecordDropped)

	// A fresh recording starts from an empty buffer.
	feedScript(t, e, "{record}pq{playback}")
	want = concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("pq"))
	assert.Equal(t, want, takeN(t, e, len(want)))
}

func TestRecordStartWhileRecordingIsIgnored(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{record}a{record}b{playback}")

	want := concat([]scancode.Token{scancode.RecordStart, scancode.Playback}, chars("ab"))
	assert.Equal(t, want, takeN(t, e, len(want)))
	assertDrained(t, e)
}

func TestPlaybackWithoutRecording(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{playback}z")

	assert.Equal(t, []scancode.Token{scancode.Playback, scancode.Char('z')}, takeN(t, e, 2))
	assertDrained(t, e)
}

func TestRecordStartResetsPlaybackOptions(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "{reverse}{record}a\nb{playback}")

	want := concat(
		[]scancode.Token{scancode.Reverse, scancode.RecordStart, scancode.Playback},
		chars("a\nb"),
	)
	assert.Equal(t, want, takeN(t, e, len(want)))
}

// =============================================================================
// Mailbox semantics through the engine
// =============================================================================

func TestTakeInterruptedLeavesNothingConsumed(t *testing.T) {
	e := newTestEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Take(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("take was not interrupted")
	}

	feedScript(t, e, "q")
	assert.Equal(t, chars("q"), takeN(t, e, 1))
}

func TestDeliverFailureKeepsToken(t *testing.T) {
	e := newTestEngine(t, Options{})
	feedScript(t, e, "ab")

	errWrite := errors.New("write failed")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Deliver(ctx, func(tok scancode.Token) error {
		assert.Equal(t, scancode.Char('a'), tok)
		return errWrite
	})
	require.ErrorIs(t, err, errWrite)
	assert.True(t, e.Stats().SlotFull)

	assert.Equal(t, chars("ab"), takeN(t, e, 2))
	assert.Equal(t, uint64(2), e.Stats().Delivered)
}

func TestCloseWakesConsumer(t *testing.T) {
	e := New(Options{})

	done := make(chan error, 1)
	go func() {
		_, err := e.Take(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("take did not return after close")
	}

	assert.ErrorIs(t, e.Feed(0x1E), ErrClosed)
	assert.NoError(t, e.Close(), "close is idempotent")
}

func TestCloseWithBlockedProcessor(t *testing.T) {
	e := New(Options{})
	feedScript(t, e, "ab")

	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.SlotFull && st.QueueLen == 0
	}, 2*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close deadlocked on a blocked emit")
	}

	// The resident token survives shutdown.
	tok, err := e.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scancode.Char('a'), tok)
}

// =============================================================================
// Backpressure and overflow
// =============================================================================

func TestQueueOverflowDropsNewest(t *testing.T) {
	const capacity = 8
	e := newTestEngine(t, Options{QueueCapacity: capacity})

	// First token parks in the mailbox.
	feedScript(t, e, "a")
	require.Eventually(t, func() bool { return e.Stats().SlotFull }, 2*time.Second, time.Millisecond)

	// Second token is popped and held by the processor, blocked in emit.
	feedScript(t, e, "b")
	require.Eventually(t, func() bool { return e.Stats().QueueLen == 0 }, 2*time.Second, time.Millisecond)

	// Now the queue absorbs exactly capacity tokens.
	feedScript(t, e, "cdefghijklm")
	st := e.Stats()
	assert.Equal(t, capacity, st.QueueLen)
	assert.Equal(t, uint64(3), st.QueueDropped)

	assert.Equal(t, chars("abcdefghij"), takeN(t, e, 10))
	assertDrained(t, e)
}

func TestConcurrentSlowConsumer(t *testing.T) {
	const (
		capacity = 16
		total    = 2000
	)
	e := newTestEngine(t, Options{QueueCapacity: capacity})

	alphabet := "abcdefghijklmnopqrstuvwxyz0123456789"
	sent := make([]byte, total)
	for i := range sent {
		sent[i] = alphabet[i%len(alphabet)]
	}

	var (
		mu       sync.Mutex
		received []byte
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			tok, err := e.Take(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, tok.Char)
			mu.Unlock()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	// Sample the single-slot invariant while producing.
	var sampler sync.WaitGroup
	sampler.Add(1)
	stopSampling := make(chan struct{})
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stopSampling:
				return
			default:
				st := e.Stats()
				assert.LessOrEqual(t, st.QueueLen, capacity)
				assert.LessOrEqual(t, st.Emitted, st.Delivered+1, "at most one token resident")
			}
		}
	}()

	for _, b := range sent {
		codes, err := scancode.ForChar(b)
		require.NoError(t, err)
		for _, c := range codes {
			require.NoError(t, e.Feed(c))
		}
	}
	close(stopSampling)
	sampler.Wait()

	st := e.Stats()
	require.Equal(t, uint64(total), st.Tokens)
	assert.Greater(t, st.QueueDropped, uint64(0), "a slow consumer must saturate the queue")

	expected := int(st.Tokens - st.QueueDropped)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == expected
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	<-consumerDone

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, isSubsequence(received, sent), "delivery must preserve feed order")
	assert.Equal(t, sent[:capacity], received[:capacity], "the oldest tokens are never dropped")
}

func isSubsequence(sub, seq []byte) bool {
	j := 0
	for i := 0; i < len(seq) && j < len(sub); i++ {
		if seq[i] == sub[j] {
			j++
		}
	}
	return j == len(sub)
}

func TestConcurrentFeeders(t *testing.T) {
	e := newTestEngine(t, Options{QueueCapacity: 4096})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = e.Feed(0x1E)
				_ = e.Feed(0x9E)
			}
		}()
	}
	wg.Wait()

	got := takeN(t, e, 400)
	for _, tok := range got {
		assert.Equal(t, scancode.Char('a'), tok)
	}
	assertDrained(t, e)
}

func TestConcurrentFeedersKeepTheirOrder(t *testing.T) {
	e := newTestEngine(t, Options{QueueCapacity: 4096})

	scripts := []string{"abcdefghi", "jklmnopqr", "stuvwxyz0"}
	const rounds = 20

	var wg sync.WaitGroup
	for _, script := range scripts {
		codes, err := scancode.ForScript(script)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for _, c := range codes {
					_ = e.Feed(c)
				}
			}
		}()
	}
	wg.Wait()

	got := takeN(t, e, rounds*len(scripts)*9)
	for _, script := range scripts {
		var mine []byte
		for _, tok := range got {
			if strings.IndexByte(script, tok.Char) >= 0 {
				mine = append(mine, tok.Char)
			}
		}
		assert.Equal(t, strings.Repeat(script, rounds), string(mine))
	}
	assertDrained(t, e)
}

func TestStatsCounters(t *testing.T) {
	e := newTestEngine(t, Options{QueueCapacity: 32, RecordCapacity: 64})
	feedScript(t, e, "ab")
	takeN(t, e, 2)

	require.Eventually(t, func() bool { return e.Stats().Emitted == 2 }, 2*time.Second, time.Millisecond)
	st := e.Stats()
	assert.Equal(t, uint64(4), st.Fed)
	assert.Equal(t, uint64(2), st.Tokens)
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, 32, st.QueueCap)
	assert.Equal(t, 64, st.RecordCap)
	assert.Contains(t, st.String(), "delivered=2")
}

func TestOnHandoffObserved(t *testing.T) {
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	e := newTestEngine(t, Options{OnHandoff: func(d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
	}})
	feedScript(t, e, "xy")
	takeN(t, e, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, waits, 2)
}

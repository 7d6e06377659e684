package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/ipc"
)

// unitList serves fixed units, then err.
type unitList struct {
	units []byte
	err   error
}

func (l *unitList) NextUnit(ctx context.Context) (ipc.Unit, error) {
	if err := ctx.Err(); err != nil {
		return ipc.Unit{}, err
	}
	if len(l.units) == 0 {
		if l.err != nil {
			return ipc.Unit{}, l.err
		}
		return ipc.Unit{}, errors.New("no more units")
	}
	b := l.units[0]
	l.units = l.units[1:]
	return ipc.Unit{Value: b}, nil
}

type recordingNotifier struct {
	bodies []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, summary, body string) error {
	n.bodies = append(n.bodies, body)
	return n.err
}

func transcript(out, diag *bytes.Buffer) []byte {
	return fmt.Appendf(nil, "stdout: %q\nstderr:\n%s", out.String(), diag.String())
}

func TestRunTranscripts(t *testing.T) {
	tests := []struct {
		name  string
		units []byte
		left  int
	}{
		{
			name:  "record_flatten_playback",
			units: []byte("hi\n\x01\x03\x02cbax\x08\n\x1bz"),
			left:  1,
		},
		{
			name:  "reverse_playback",
			units: []byte("\x01\x04\x02ba\x07\x1b"),
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, diag bytes.Buffer
			src := &unitList{units: tt.units}

			r := NewRenderer(&out, &diag)
			require.NoError(t, r.Run(context.Background(), src))
			assert.Len(t, src.units, tt.left, "units after ESC stay unread")

			g.Assert(t, tt.name, transcript(&out, &diag))
		})
	}
}

func TestRenderEscapeWritesNothing(t *testing.T) {
	var out, diag bytes.Buffer
	r := NewRenderer(&out, &diag)

	stop, err := r.Render(context.Background(), 0x1b)
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Zero(t, out.Len())
	assert.Zero(t, diag.Len())
	assert.Zero(t, r.Units())
}

func TestMarkersReachNotifier(t *testing.T) {
	var out, diag bytes.Buffer
	n := &recordingNotifier{err: errors.New("no bus")}
	r := NewRenderer(&out, &diag, WithNotifier(n))

	require.NoError(t, r.Run(context.Background(), &unitList{units: []byte("\x01a\x03\x04\x02\x1b")}))
	assert.Equal(t, []string{"[record start]", "[flatten on]", "[reverse+flatten]", "[playback]"}, n.bodies)
	assert.Equal(t, "a", out.String(), "notifier failure does not stop output")
	assert.Equal(t, uint64(5), r.Units())
}

func TestRunSourceError(t *testing.T) {
	var out, diag bytes.Buffer
	r := NewRenderer(&out, &diag)

	err := r.Run(context.Background(), &unitList{units: []byte("ok"), err: ipc.ErrConnectionLost})
	require.ErrorIs(t, err, ipc.ErrConnectionLost)
	assert.Equal(t, "ok", out.String())
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRenderer(&bytes.Buffer{}, &bytes.Buffer{})
	err := r.Run(ctx, &unitList{units: []byte("a")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMarker(t *testing.T) {
	m, ok := Marker(0x02)
	assert.True(t, ok)
	assert.Equal(t, "[playback]", m)

	_, ok = Marker('a')
	assert.False(t, ok)
}

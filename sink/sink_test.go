package sink

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/transport"
)

func testResponse(id string, at time.Time) message.Response {
	return message.Response{
		ID:          id,
		Text:        "The front door opened.",
		GeneratedAt: at,
		WindowStart: at.Add(-30 * time.Second),
		WindowEnd:   at,
		BundleID:    "bundle-" + id,
		Model:       "llama3",
	}
}

func TestMulti_EmitsToAllAndJoinsErrors(t *testing.T) {
	var calls []string
	var failed []string
	m := NewMulti(
		Named{Name: "first", Sink: Func(func(context.Context, message.Response) error {
			calls = append(calls, "first")
			return errors.New("disk full")
		})},
	)
	m.Add("second", Func(func(context.Context, message.Response) error {
		calls = append(calls, "second")
		return nil
	}))
	m.OnError = func(name string, _ error) { failed = append(failed, name) }

	err := m.Emit(context.Background(), testResponse("1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink first: disk full")
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, []string{"first"}, failed)
	assert.Equal(t, 2, m.Len())
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, NewMulti().Emit(context.Background(), message.Response{}))
}

func TestLog_WritesText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(nil, &buf)
	require.NoError(t, l.Emit(context.Background(), testResponse("1", time.Now())))
	assert.Equal(t, "The front door opened.\n", buf.String())

	assert.NoError(t, NewLog(nil, nil).Emit(context.Background(), testResponse("2", time.Now())))
}

func TestPublish_Emit(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	var (
		mu  sync.Mutex
		got []byte
	)
	require.NoError(t, tr.Subscribe(context.Background(), "houseagent.responses", func(_ context.Context, msg message.RawMessage) {
		mu.Lock()
		got = msg.Payload
		mu.Unlock()
	}))

	p := NewPublish(tr, "houseagent.responses")
	resp := testResponse("1", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, p.Emit(context.Background(), resp))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(got), `"text":"The front door opened."`)
	assert.Contains(t, string(got), `"bundle_id":"bundle-1"`)
}

func TestPublish_ClosedTransport(t *testing.T) {
	tr := transport.NewMemory()
	require.NoError(t, tr.Close())
	err := NewPublish(tr, "houseagent.responses").Emit(context.Background(), testResponse("1", time.Now()))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestJournal_EmitAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	j, err := OpenJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, j.Emit(ctx, testResponse("a", base)))
	require.NoError(t, j.Emit(ctx, testResponse("b", base.Add(500*time.Millisecond))))
	require.NoError(t, j.Emit(ctx, testResponse("c", base.Add(time.Second))))
	// Duplicate IDs are ignored.
	require.NoError(t, j.Emit(ctx, testResponse("a", base.Add(time.Hour))))

	got, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "a", got[2].ID)
	assert.True(t, base.Equal(got[2].GeneratedAt))
	assert.Equal(t, "bundle-a", got[2].BundleID)
	assert.Equal(t, "llama3", got[2].Model)

	limited, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Emit(context.Background(), message.Response{ID: "x", Text: "hi", GeneratedAt: time.Now()}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].WindowStart.IsZero())
}

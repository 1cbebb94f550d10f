package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/testutil"
)

var t0 = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(testutil.StartPostgres(t))
	require.NoError(t, s.Migrate(testutil.TestContext(t)))
	require.NoError(t, s.Migrate(testutil.TestContext(t)), "migrate is idempotent")
	return s
}

func TestStore_Cursors(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	require.NoError(t, s.SaveCursor(ctx, "digest", t0.Add(time.Minute)))
	require.NoError(t, s.SaveCursor(ctx, "digest", t0), "older value is ignored")
	require.NoError(t, s.SaveCursor(ctx, "welcome", t0))

	got, err := s.LoadCursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"digest":  t0.Add(time.Minute),
		"welcome": t0,
	}, got)

	require.NoError(t, s.DeleteCursor(ctx, "welcome"))
	got, err = s.LoadCursors(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, "welcome")
}

func TestStore_PruneCursors(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveCursor(ctx, id, t0))
	}
	n, err := s.PruneCursors(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.LoadCursors(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b")
}

func TestStore_DeadLetters(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := newStore(t)

	dl := domain.DeadLetter{
		ID:             uuid.New(),
		IdempotencyKey: "k1",
		TriggerID:      "digest",
		TemplateID:     "digest",
		Recipient:      "u1@example.com",
		ScheduledAt:    t0,
		Attempts:       4,
		LastError:      "transport error: 503",
		Reason:         domain.DeadLetterExhausted,
		CreatedAt:      t0.Add(time.Hour),
	}
	require.NoError(t, s.Write(ctx, dl))

	dup := dl
	dup.ID = uuid.New()
	require.NoError(t, s.Write(ctx, dup), "same key is ignored")

	old := dl
	old.ID = uuid.New()
	old.IdempotencyKey = "k0"
	old.CreatedAt = t0.Add(-48 * time.Hour)
	require.NoError(t, s.Write(ctx, old))

	list, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, dl, list[0])

	n, err := s.PruneDeadLetters(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "k1", list[0].IdempotencyKey)
}

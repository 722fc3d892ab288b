package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"FlowChat/models"
	"FlowChat/pkg/apperr"
)

func newTestStore(t *testing.T, opts ...Option) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", t.Name())
	db, err := Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	s := New(db, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(session, sender, text string, ts float64) *models.Message {
	return &models.Message{SessionID: session, Sender: sender, Text: models.StringPtr(text), Timestamp: ts}
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	files := datatypes.JSON(`["https://cdn.example/a.png"]`)
	second := msg("s1", "Machine", "answer ✓", 200.5)
	first := msg("s1", "User", "question", 100.25)
	first.Files = files
	require.NoError(t, s.AppendMessages(ctx, second, first, msg("s2", "User", "other", 150)))

	got, err := s.MessagesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "question", got[0].Body())
	assert.Equal(t, "User", got[0].Sender)
	assert.JSONEq(t, string(files), string(got[0].Files))
	assert.Equal(t, 100.25, got[0].Timestamp)
	assert.Equal(t, "answer ✓", got[1].Body())
	assert.Equal(t, models.RoleAssistant, got[1].Role())
	for _, m := range got {
		assert.Equal(t, "s1", m.SessionID)
		assert.NotEmpty(t, m.ID)
	}
}

func TestLatestMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestMessage(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.AppendMessages(ctx, msg("s1", "User", "q", 1), msg("s1", "Machine", "a", 2)))
	latest, err = s.LatestMessage(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "a", latest.Body())
}

func TestMessageByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := msg("s1", "User", "q", 1)
	require.NoError(t, s.AppendMessages(ctx, m))

	got, err := s.MessageByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "q", got.Body())

	_, err = s.MessageByID(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx,
		msg("s1", "User", "q1", 1), msg("s1", "Machine", "a1", 2),
		msg("s1", "User", "q2", 3), msg("s1", "Machine", "a2", 4),
	))

	n, err := s.DeleteBySessionFrom(ctx, "s1", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := s.MessagesBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, left, 2)

	n, err = s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestHistoryCacheInvalidatedOnWrite(t *testing.T) {
	s := newTestStore(t, WithHistoryCache(10, time.Minute))
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx, msg("s1", "User", "q", 1)))

	got, err := s.MessagesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].SessionID = "mutated"

	again, err := s.MessagesBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", again[0].SessionID, "cached slice must not alias caller copies")

	require.NoError(t, s.AppendMessages(ctx, msg("s1", "Machine", "a", 2)))
	again, err = s.MessagesBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestDialectorFor(t *testing.T) {
	for _, dsn := range []string{"postgres://u:p@localhost/db", "mysql://u:p@tcp(localhost:3306)/db", "sqlite://x.db", "x.db"} {
		_, err := dialectorFor(dsn)
		assert.NoError(t, err, dsn)
	}
	_, err := dialectorFor("mongodb://x")
	assert.Error(t, err)
	_, err = dialectorFor("")
	assert.Error(t, err)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx,
		msg("a", "User", "1", 100),
		msg("b", "User", "1", 200),
		msg("b", "Machine", "2", 210),
		msg("c", "User", "1", 300),
	))

	rows, more, err := s.ListSessions(ctx, SessionPage{Limit: 2})
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].SessionID)
	assert.Equal(t, "b", rows[1].SessionID)
	assert.EqualValues(t, 2, rows[1].Messages)
	assert.Equal(t, 210.0, rows[1].LastTimestamp)

	rows, more, err = s.ListSessions(ctx, SessionPage{Limit: 2, StartingAfter: "b"})
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].SessionID)

	rows, _, err = s.ListSessions(ctx, SessionPage{Limit: 5, EndingBefore: "a"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].SessionID)
	assert.Equal(t, "b", rows[1].SessionID)

	_, _, err = s.ListSessions(ctx, SessionPage{StartingAfter: "a", EndingBefore: "b"})
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	_, _, err = s.ListSessions(ctx, SessionPage{StartingAfter: "zzz"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

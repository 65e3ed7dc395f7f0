// ABOUTME: Tests for the SQLite store covering sessions and the event ledger.
// ABOUTME: Runs against real temp-file databases, including reopen persistence.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/relay"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := SessionRecord{
		ThreadID:          "T1",
		ChannelID:         "C1",
		Mode:              "remote",
		UpstreamSessionID: "abc",
		Turns:             3,
		CreatedAt:         created,
		LastActivity:      created.Add(5 * time.Minute),
	}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveSessionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	rec := SessionRecord{
		ThreadID:     "T1",
		ChannelID:    "C1",
		Mode:         "remote",
		Turns:        1,
		CreatedAt:    created,
		LastActivity: created,
	}
	require.NoError(t, s.SaveSession(ctx, rec))

	rec.Mode = "local"
	rec.UpstreamSessionID = "xyz"
	rec.Turns = 2
	rec.LastActivity = created.Add(time.Minute)
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Mode)
	assert.Equal(t, "xyz", got.UpstreamSessionID)
	assert.Equal(t, 2, got.Turns)
}

func TestListSessionsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, s.SaveSession(ctx, SessionRecord{
			ThreadID:     id,
			ChannelID:    "C1",
			Mode:         "remote",
			CreatedAt:    base,
			LastActivity: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recs, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "T3", recs[0].ThreadID, "newest activity first")
	assert.Equal(t, "T1", recs[2].ThreadID)
}

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Progress("step one")))
	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Progress("step two")))
	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Complete("all done", "abc")))
	require.NoError(t, s.AppendEvent(ctx, "T2", relay.Progress("other thread")))

	recs, err := s.GetEvents(ctx, "T1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "progress", recs[0].Type)
	assert.Equal(t, "step one", recs[0].Payload.Text)
	assert.Equal(t, "complete", recs[2].Type)
	assert.Equal(t, "all done", recs[2].Payload.Result)
	assert.Equal(t, "abc", recs[2].Payload.UpstreamSessionID)
	assert.True(t, recs[2].Payload.Done)

	// Sequence numbers are strictly increasing.
	assert.Less(t, recs[0].Seq, recs[1].Seq)
	assert.Less(t, recs[1].Seq, recs[2].Seq)
}

func TestGetEventsAfterSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Progress("one")))
	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Progress("two")))
	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Progress("three")))

	all, err := s.GetEvents(ctx, "T1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := s.GetEvents(ctx, "T1", all[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "two", rest[0].Payload.Text)

	limited, err := s.GetEvents(ctx, "T1", 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "one", limited[0].Payload.Text)
}

func TestEventErrorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := relay.ErrorEvent(relay.Errf(relay.KindConnectionLost, "stream dropped"))
	require.NoError(t, s.AppendEvent(ctx, "T1", ev))

	recs, err := s.GetEvents(ctx, "T1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Payload.Err)
	assert.Equal(t, relay.KindConnectionLost, recs[0].Payload.Err.Kind)
	assert.True(t, recs[0].Payload.Err.Retryable)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	created := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveSession(ctx, SessionRecord{
		ThreadID:          "T1",
		ChannelID:         "C1",
		Mode:              "remote",
		UpstreamSessionID: "abc",
		Turns:             7,
		CreatedAt:         created,
		LastActivity:      created,
	}))
	require.NoError(t, s.AppendEvent(ctx, "T1", relay.Complete("done", "abc")))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetSession(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Turns)
	assert.Equal(t, "abc", got.UpstreamSessionID)

	recs, err := s2.GetEvents(ctx, "T1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "complete", recs[0].Type)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"register/internal/infra/persistence/storetest"
	"register/pkg/domain"
)

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "register.db"), opts...)
	require.NoError(t, err)
	return store
}

func openTempAt(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New:          func(t *testing.T) domain.RecordStore { return openTemp(t) },
		AbsentID:     "0190f5a4-7c3e-7b2a-9d41-3f6e2c1b0a99",
		EventTimeout: 5 * time.Second,
	})
}

func TestOpenAppliesPragmasAndSchemaVersion(t *testing.T) {
	store := openTemp(t)
	defer store.Close(context.Background())

	var mode string
	require.NoError(t, store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	var version int
	require.NoError(t, store.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	// Migrating again is a no-op.
	require.NoError(t, Migrate(context.Background(), store.DB()))
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "register.db")
	store, err := Open(ctx, path)
	require.NoError(t, err)
	id, err := store.CreateDraft(ctx, "survives restart")
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close(ctx)
	rec, err := reopened.FetchByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survives restart", rec.Summary)
	assert.Equal(t, path, reopened.Path())
}

func TestChangeLogIsPrunedToRetention(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t, WithRetention(3))
	defer store.Close(ctx)

	for i := 0; i < 10; i++ {
		_, err := store.CreateDraft(ctx, "bulk")
		require.NoError(t, err)
	}
	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM record_changes`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestFeedPrunedPastPositionIsInvalidated(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t, WithRetention(2))
	defer store.Close(ctx)

	feed, err := store.Watch(ctx)
	require.NoError(t, err)
	defer feed.Close(ctx)

	for i := 0; i < 5; i++ {
		_, err := store.CreateDraft(ctx, "overrun")
		require.NoError(t, err)
	}
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, domain.ErrFeedInvalidated)
}

func TestFeedKeepsImageOfRecordDeletedBeforeRead(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	defer store.Close(ctx)

	feed, err := store.Watch(ctx)
	require.NoError(t, err)
	defer feed.Close(ctx)

	id, err := store.CreateDraft(ctx, "short lived")
	require.NoError(t, err)
	require.NoError(t, store.DeleteDraft(ctx, id))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	added, err := feed.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventAdded, added.Kind)
	assert.Equal(t, id, added.Record.ID)
	assert.Equal(t, "short lived", added.Record.Summary)
	assert.Equal(t, domain.StateDraft, added.Record.State)
	deleted, err := feed.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.Deleted(id), deleted)
}

func TestMigrateRebuildsVersionOneChangeLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "register.db")
	store, err := Open(ctx, path)
	require.NoError(t, err)
	db := store.DB()
	for _, stmt := range dropChangeLog {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE record_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT, op TEXT NOT NULL, record_id TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	reopened := openTempAt(t, path)
	defer reopened.Close(ctx)
	var version int
	require.NoError(t, reopened.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	feed, err := reopened.Watch(ctx)
	require.NoError(t, err)
	defer feed.Close(ctx)
	id, err := reopened.CreateDraft(ctx, "after upgrade")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := feed.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, id, ev.Record.ID)
	assert.Equal(t, "after upgrade", ev.Record.Summary)
}

func TestQueryReleasesConnectionBeforeIteration(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	defer store.Close(ctx)
	_, err := store.CreateDraft(ctx, "one")
	require.NoError(t, err)

	cur, err := store.Query(ctx, domain.Filter{States: []domain.RecordState{domain.StateDraft}})
	require.NoError(t, err)
	defer cur.Close(ctx)

	// With a single connection this write would block if the cursor held it.
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = store.CreateDraft(writeCtx, "two")
	require.NoError(t, err)

	rec, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", rec.Summary)
}

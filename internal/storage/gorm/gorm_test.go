package gormstorage

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
)

// Compile-time interface check
var _ storage.Backend = (*Backend)(nil)

// openTestDB returns a private in-memory database. A single connection keeps
// every query on the same memory instance.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestBackend(t *testing.T, db *gorm.DB, session string) *Backend {
	t.Helper()
	b := New(Dependencies{
		DB:            db,
		LogManager:    logging.NewSlogManager(),
		SessionID:     session,
		ServerName:    "test",
		FlushInterval: time.Hour,
	})
	require.NoError(t, b.Init())
	return b
}

func collect(t *testing.T, b storage.Backend) []storage.Entry {
	t.Helper()
	var out []storage.Entry
	for e, err := range b.Iterate() {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	b := New(Dependencies{})
	assert.Equal(t, time.Second, b.deps.FlushInterval)
	assert.NotNil(t, b.deps.LogManager)
	assert.Len(t, b.deps.SessionID, 26)
}

func TestInitClose(t *testing.T) {
	b := newTestBackend(t, openTestDB(t), "01J0000000000000000000INIT")
	require.NotNil(t, b.queues)
	assert.NotZero(t, b.Session().ID)
	assert.Equal(t, "test", b.Session().ServerName)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestClose_WithoutInit(t *testing.T) {
	b := New(Dependencies{})
	assert.NoError(t, b.Close())
}

func TestAppend_QueuesUntilFlush(t *testing.T) {
	b := newTestBackend(t, openTestDB(t), "01J000000000000000000QUEUE")
	defer b.Close()

	require.NoError(t, b.Append(1, 3, action.Command{Player: 1, Params: action.SetParkName{Name: "Dusty Desert"}}))
	require.NoError(t, b.Append(2, 3, action.Command{Player: 2, Params: action.HireStaff{Name: "Ann"}}))
	assert.Equal(t, 2, b.Pending())

	var count int64
	require.NoError(t, b.DB().Model(&CommandRecord{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, b.flush())
	assert.Zero(t, b.Pending())
	require.NoError(t, b.DB().Model(&CommandRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestAppend_RejectsOutOfOrder(t *testing.T) {
	b := newTestBackend(t, openTestDB(t), "01J000000000000000000ORDER")
	defer b.Close()

	require.NoError(t, b.Append(1, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	assert.Error(t, b.Append(3, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	assert.Error(t, b.Append(2, 0, action.Command{Player: 1}))
	assert.Equal(t, 1, b.Pending())
}

func TestIterate_RoundTrip(t *testing.T) {
	b := newTestBackend(t, openTestDB(t), "01J00000000000000000000RT1")
	defer b.Close()

	state := []byte(`{"park":{"name":"Forest Frontiers"}}`)
	snap := snapshot.Snapshot{Tick: 20, OrderKey: 1, CommandCount: 1, Fingerprint: snapshot.Sum(state), State: state}

	cmd1 := action.Command{Player: 1, Params: action.SetParkName{Name: "Forest Frontiers"}}
	cmd2 := action.Command{Player: 1, Params: action.ModifyGroup{Op: action.GroupAdd, Name: "Builders"}}
	require.NoError(t, b.Append(1, 5, cmd1))
	require.NoError(t, b.AppendSnapshot(snap))
	require.NoError(t, b.Append(2, 21, cmd2))
	require.NoError(t, b.Acknowledge(1))

	entries := collect(t, b)
	require.Len(t, entries, 3)

	assert.Equal(t, storage.EntryCommand, entries[0].Kind)
	assert.Equal(t, cmd1, entries[0].Command)
	assert.True(t, entries[0].Acknowledged)

	assert.Equal(t, storage.EntrySnapshot, entries[1].Kind)
	assert.Equal(t, snap, entries[1].Snapshot)

	assert.Equal(t, cmd2, entries[2].Command)
	assert.False(t, entries[2].Acknowledged)

	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestInit_ResumesSession(t *testing.T) {
	db := openTestDB(t)
	const session = "01J000000000000000000RESUM"

	b := newTestBackend(t, db, session)
	require.NoError(t, b.Append(1, 1, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.NoError(t, b.Append(2, 2, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.NoError(t, b.Acknowledge(2))
	require.NoError(t, b.Close())

	resumed := newTestBackend(t, db, session)
	defer resumed.Close()

	assert.Equal(t, b.Session().ID, resumed.Session().ID)
	assert.Error(t, resumed.Append(2, 2, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.NoError(t, resumed.Append(3, 2, action.Command{Player: 1, Params: action.TogglePause{}}))

	entries := collect(t, resumed)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[2].Seq)
	assert.True(t, entries[1].Acknowledged)
}

func TestSessions_Isolated(t *testing.T) {
	db := openTestDB(t)
	a := newTestBackend(t, db, "01J0000000000000000000000A")
	defer a.Close()
	b := newTestBackend(t, db, "01J0000000000000000000000B")
	defer b.Close()

	require.NoError(t, a.Append(1, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.NoError(t, b.Append(1, 0, action.Command{Player: 1, Params: action.SetParkName{Name: "B"}}))

	assert.Len(t, collect(t, a), 1)
	entries := collect(t, b)
	require.Len(t, entries, 1)
	assert.Equal(t, action.SetParkName{Name: "B"}, entries[0].Command.Params)
}

func TestLZ4_RoundTrip(t *testing.T) {
	src := []byte(`{"groups":[{"id":0,"name":"Host"},{"id":1,"name":"Spectator"},{"id":2,"name":"User"}]}`)
	blob, err := compressLZ4(src)
	require.NoError(t, err)

	out, err := decompressLZ4(blob, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

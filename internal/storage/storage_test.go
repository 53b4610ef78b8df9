package storage_test

import (
	"testing"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadMetadataFields(t *testing.T) {
	meta := storage.UploadMetadata{
		SessionID:    "01HZ",
		ServerName:   "Test Server",
		Commands:     12,
		LastOrderKey: 12,
	}

	assert.Equal(t, "01HZ", meta.SessionID)
	assert.Equal(t, "Test Server", meta.ServerName)
	assert.Equal(t, uint64(12), meta.Commands)
}

func TestOrder(t *testing.T) {
	var o storage.Order

	require.NoError(t, o.CheckCommand(1, 0))
	o.Advance(1, 0)
	assert.Error(t, o.CheckCommand(1, 0))
	assert.Error(t, o.CheckCommand(0, 0))
	require.NoError(t, o.CheckCommand(3, 2))
	o.Advance(3, 2)

	assert.Error(t, o.CheckCommand(4, 1))
	assert.Error(t, o.CheckSnapshot(snapshot.Snapshot{Tick: 2, OrderKey: 2}))
	assert.NoError(t, o.CheckSnapshot(snapshot.Snapshot{Tick: 2, OrderKey: 3}))
	assert.Equal(t, uint64(3), o.LastKey())
}

func TestRecord_RoundTrip(t *testing.T) {
	entries := []storage.Entry{
		{
			Seq: 1, Kind: storage.EntryCommand, OrderKey: 1, Tick: 4,
			Command: action.Command{Player: 2, Params: action.SetParkName{Name: "Crazy Castle"}},
		},
		{
			Seq: 2, Kind: storage.EntrySnapshot, OrderKey: 1, Tick: 20,
			Snapshot: snapshot.Snapshot{Tick: 20, OrderKey: 1, CommandCount: 0, Fingerprint: snapshot.Sum([]byte("x")), State: []byte(`{}`)},
		},
	}
	for _, e := range entries {
		r, err := storage.ToRecord(e)
		require.NoError(t, err)
		back, err := r.Entry()
		require.NoError(t, err)
		assert.Equal(t, e, back)
	}

	_, err := storage.ToRecord(storage.Entry{})
	assert.Error(t, err)
	_, err = storage.Record{Type: "bogus"}.Entry()
	assert.Error(t, err)
}

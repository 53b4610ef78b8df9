package memory

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Verify Backend implements storage.Backend interface
var _ storage.Backend = (*Backend)(nil)

// Verify Backend implements storage.Uploadable interface
var _ storage.Uploadable = (*Backend)(nil)

func fill(t *testing.T, b *Backend) {
	t.Helper()
	require.NoError(t, b.Append(1, 1, action.Command{Player: 1, Params: action.SetParkName{Name: "Leafy Lake"}}))
	require.NoError(t, b.Append(2, 1, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.NoError(t, b.AppendSnapshot(snapshot.Snapshot{Tick: 20, OrderKey: 2, CommandCount: 2, Fingerprint: snapshot.Sum([]byte("s")), State: []byte(`{"park":{}}`)}))
	require.NoError(t, b.Append(3, 21, action.Command{Player: 1, Params: action.HireStaff{Name: "Sam"}}))
}

func TestAppend_RejectsOutOfOrder(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Append(1, 0, action.Command{Player: 1, Params: action.TogglePause{}}))

	assert.Error(t, b.Append(1, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	assert.Error(t, b.AppendSnapshot(snapshot.Snapshot{OrderKey: 0}))
	assert.Equal(t, 1, b.Len())
}

func TestIterate_Restartable(t *testing.T) {
	b := New(Config{})
	fill(t, b)

	collect := func() []uint64 {
		var seqs []uint64
		for e, err := range b.Iterate() {
			require.NoError(t, err)
			seqs = append(seqs, e.Seq)
		}
		return seqs
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, collect())
	assert.Equal(t, []uint64{1, 2, 3, 4}, collect())
	assert.Equal(t, 4, b.Len())
}

func TestIterate_EarlyStop(t *testing.T) {
	b := New(Config{})
	fill(t, b)

	n := 0
	for range b.Iterate() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestAcknowledge_Watermark(t *testing.T) {
	b := New(Config{})
	fill(t, b)
	require.NoError(t, b.Acknowledge(2))
	require.NoError(t, b.Acknowledge(1))
	assert.Equal(t, uint64(2), b.Acknowledged())

	acked := map[uint64]bool{}
	for e := range b.Iterate() {
		if e.Kind == storage.EntryCommand {
			acked[e.OrderKey] = e.Acknowledged
		}
	}
	assert.Equal(t, map[uint64]bool{1: true, 2: true, 3: false}, acked)
}

func TestExportImport(t *testing.T) {
	b := New(Config{SessionID: "s1", ServerName: "srv"})
	fill(t, b)
	require.NoError(t, b.Acknowledge(3))

	var buf bytes.Buffer
	require.NoError(t, b.Export(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), `{"format":"parksync-replay/1"`))

	restored, err := Import(&buf)
	require.NoError(t, err)

	var want, got []storage.Entry
	for e := range b.Iterate() {
		want = append(want, e)
	}
	for e := range restored.Iterate() {
		got = append(got, e)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "srv", restored.GetExportMetadata().ServerName)
}

func TestImport_BadFormat(t *testing.T) {
	_, err := Import(strings.NewReader(`{"format":"other"}`))
	assert.Error(t, err)

	_, err = Import(strings.NewReader(``))
	assert.Error(t, err)
}

func TestClose_WritesCompressedExport(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{OutputDir: dir, CompressOutput: true, SessionID: "01HZX"})
	fill(t, b)

	require.NoError(t, b.Close())

	path := b.GetExportedFilePath()
	assert.Equal(t, filepath.Join(dir, "replay_01HZX.jsonl.gz"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2])

	restored, err := ImportFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Len())

	meta := b.GetExportMetadata()
	assert.Equal(t, uint64(3), meta.Commands)
	assert.Equal(t, uint64(1), meta.Snapshots)
	assert.Equal(t, uint64(3), meta.LastOrderKey)
}

func TestClose_NoOutputDir(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Close())
	assert.Empty(t, b.GetExportedFilePath())
}

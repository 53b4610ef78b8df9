package memory

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parksync/parksync/internal/storage"
)

// header is the first line of an export.
type header struct {
	Format     string `json:"format"`
	SessionID  string `json:"session_id"`
	ServerName string `json:"server_name"`
	Acked      uint64 `json:"acked"`
}

const exportFormat = "parksync-replay/1"

// exportFile writes the log into the output directory.
func (b *Backend) exportFile() error {
	name := b.cfg.SessionID
	if name == "" {
		name = b.started.Format("20060102_150405")
	}
	name = strings.NewReplacer(" ", "_", ":", "_", "/", "_").Replace(name)

	var filename string
	if b.cfg.CompressOutput {
		filename = fmt.Sprintf("replay_%s.jsonl.gz", name)
	} else {
		filename = fmt.Sprintf("replay_%s.jsonl", name)
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if b.cfg.CompressOutput {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err := b.Export(w); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to flush gzip stream: %w", err)
		}
	}

	b.mu.Lock()
	b.lastExportPath = outputPath
	b.mu.Unlock()
	return nil
}

// Export writes a header line followed by one JSON record per entry.
func (b *Backend) Export(w io.Writer) error {
	enc := json.NewEncoder(w)

	b.mu.RLock()
	h := header{Format: exportFormat, SessionID: b.cfg.SessionID, ServerName: b.cfg.ServerName, Acked: b.acked}
	b.mu.RUnlock()

	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for e, err := range b.Iterate() {
		if err != nil {
			return err
		}
		rec, err := storage.ToRecord(e)
		if err != nil {
			return fmt.Errorf("encoding entry %d: %w", e.Seq, err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("writing entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Import reads an export written by Export. Gzip input is detected.
func Import(r io.Reader) (*Backend, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		br = bufio.NewReader(gz)
	}

	dec := json.NewDecoder(br)
	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if h.Format != exportFormat {
		return nil, fmt.Errorf("unsupported replay format %q", h.Format)
	}

	b := New(Config{SessionID: h.SessionID, ServerName: h.ServerName})
	for {
		var rec storage.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading record: %w", err)
		}
		e, err := rec.Entry()
		if err != nil {
			return nil, fmt.Errorf("decoding record %d: %w", rec.Seq, err)
		}
		switch e.Kind {
		case storage.EntryCommand:
			err = b.Append(e.OrderKey, e.Tick, e.Command)
		case storage.EntrySnapshot:
			err = b.AppendSnapshot(e.Snapshot)
		}
		if err != nil {
			return nil, fmt.Errorf("replaying record %d: %w", rec.Seq, err)
		}
	}
	_ = b.Acknowledge(h.Acked)
	return b, nil
}

// ImportFile reads an export from disk.
func ImportFile(path string) (*Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Import(f)
}

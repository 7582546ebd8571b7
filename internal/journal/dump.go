package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
)

// DumpHeader describes why a diagnostic dump was written.
type DumpHeader struct {
	Reason    string    `json:"reason"`
	Session   string    `json:"session,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Committed int32     `json:"committed"`
	Written   time.Time `json:"written"`
	HostHash  string    `json:"hostHash,omitempty"`
	PeerHash  string    `json:"peerHash,omitempty"`
}

// DiagnosticsWriter produces the simulation part of a dump.
type DiagnosticsWriter interface {
	WriteDiagnostics(w io.Writer) error
}

// Snapshotter produces a restorable save.
type Snapshotter interface {
	Save(w io.Writer) error
}

const simulationSeparator = "--- simulation ---\n"

// WriteDump writes an lz4-compressed dump: the header as one JSON line, one
// JSON line per journal entry, then the simulation diagnostics.
func WriteDump(w io.Writer, header DumpHeader, entries []Entry, sim DiagnosticsWriter) error {
	zw := lz4.NewWriter(w)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode dump header: %w", err)
	}
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
	}
	if sim != nil {
		if _, err := io.WriteString(zw, simulationSeparator); err != nil {
			return err
		}
		if err := sim.WriteDiagnostics(zw); err != nil {
			return fmt.Errorf("write simulation diagnostics: %w", err)
		}
	}
	return zw.Close()
}

// ReadDump decompresses a dump written by WriteDump.
func ReadDump(r io.Reader) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(r))
}

// ParseDump splits a decompressed dump into its header, entries and
// simulation diagnostics.
func ParseDump(data []byte) (DumpHeader, []Entry, string, error) {
	var header DumpHeader
	body, simText, _ := bytes.Cut(data, []byte(simulationSeparator))
	lines := bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return header, nil, "", fmt.Errorf("journal: empty dump")
	}
	if err := json.Unmarshal(lines[0], &header); err != nil {
		return header, nil, "", fmt.Errorf("decode dump header: %w", err)
	}
	entries := make([]Entry, 0, len(lines)-1)
	for _, line := range lines[1:] {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return header, nil, "", fmt.Errorf("decode journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return header, entries, string(simText), nil
}

// WriteDumpFile writes a dump into dir and returns its path. The file appears
// atomically.
func WriteDumpFile(dir string, header DumpHeader, entries []Entry, sim DiagnosticsWriter) (string, error) {
	name := fmt.Sprintf("desync-%s-%d.lz4", header.Written.UTC().Format("20060102T150405"), header.Committed)
	return writeAtomic(dir, name, func(w io.Writer) error {
		return WriteDump(w, header, entries, sim)
	})
}

// WriteSaveFile writes an lz4-compressed simulation save into dir under
// name and returns its path.
func WriteSaveFile(dir, name string, sim Snapshotter) (string, error) {
	return writeAtomic(dir, name, func(w io.Writer) error {
		zw := lz4.NewWriter(w)
		if err := sim.Save(zw); err != nil {
			return fmt.Errorf("save simulation: %w", err)
		}
		return zw.Close()
	})
}

// OpenSave returns a reader over the decompressed save at path.
func OpenSave(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{lz4.NewReader(f), f}, nil
}

func writeAtomic(dir, name string, write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump directory: %w", err)
	}
	path := filepath.Join(dir, name)
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("replace file: %w", err)
	}
	return path, nil
}

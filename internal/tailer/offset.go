package tailer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Offset marks how far a logical source has been processed, together with
// the identity fingerprint of the file the position was recorded against.
type Offset struct {
	SourceID string `json:"source_id"`
	Position int64  `json:"position"`
	Dev      uint64 `json:"dev"`
	Inode    uint64 `json:"inode"`
}

// HasFingerprint reports whether the offset was recorded against a known
// file instance. A zero fingerprint means no prior successful run.
func (o Offset) HasFingerprint() bool {
	return o.Dev != 0 || o.Inode != 0
}

// Store persists offsets in the state directory, one JSON file per logical
// source, replaced atomically on commit. It is the only mutable state shared
// between runs; the pipeline's run lock guarantees a single writer.
type Store struct {
	dir string
	log zerolog.Logger
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

func (s *Store) path(sourceID string) string {
	// Source ids derive from file names; keep path separators out anyway.
	name := strings.ReplaceAll(sourceID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, name+".offset.json")
}

// Path returns the state file location for sourceID.
func (s *Store) Path(sourceID string) string { return s.path(sourceID) }

// Load reads the stored offset for sourceID. A missing or unreadable state
// file yields a zero offset (restart from scratch), never an error: stale
// state must not block ingestion.
func (s *Store) Load(sourceID string) Offset {
	data, err := os.ReadFile(s.path(sourceID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("source", sourceID).Msg("offset state unreadable, assuming zero")
		}
		return Offset{SourceID: sourceID}
	}
	var off Offset
	if err := json.Unmarshal(data, &off); err != nil {
		s.log.Warn().Err(err).Str("source", sourceID).Msg("offset state malformed, assuming zero")
		return Offset{SourceID: sourceID}
	}
	off.SourceID = sourceID
	return off
}

// Commit durably replaces the stored offset. Callers must persist the
// corresponding events first: the offset may only ever trail the sink.
func (s *Store) Commit(off Offset) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	data, err := json.MarshalIndent(off, "", "  ")
	if err != nil {
		return err
	}
	final := s.path(off.SourceID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write offset: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

// Package tailer reads the unprocessed part of a mail log source: the bytes
// added to the current file since the stored offset, plus whatever tail of
// rotated predecessors is needed to cover the gap. Lines are yielded in
// file-chronological order. The tailer never commits offsets itself; it
// returns the new offset and leaves the commit to the caller, which must
// persist events first.
package tailer

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// LineFunc receives one log line, stripped of its trailing newline. A
// non-nil error aborts the run.
type LineFunc func(line string) error

// Tailer resolves which physical files cover the gap since an offset and
// streams their lines.
type Tailer struct {
	log zerolog.Logger
}

// New returns a Tailer.
func New(log zerolog.Logger) *Tailer {
	return &Tailer{log: log}
}

type segment struct {
	path string
	seek int64
	gz   bool
	// primary marks the current log file; only its bytes advance the offset.
	primary bool
}

// Run streams all lines added since off and returns the offset to commit
// after the corresponding events are durably stored. An unreadable primary
// file is a fatal error; a broken predecessor is skipped with a warning.
func (t *Tailer) Run(ctx context.Context, primary string, off Offset, fn LineFunc) (Offset, error) {
	id, size, err := statID(primary)
	if err != nil {
		return off, fmt.Errorf("stat source %s: %w", primary, err)
	}

	segments := t.plan(primary, off, id, size)

	newOff := Offset{SourceID: off.SourceID, Dev: id.Dev, Inode: id.Inode}
	for _, seg := range segments {
		consumed, err := t.readSegment(ctx, seg, fn)
		if err != nil {
			if seg.primary {
				return off, fmt.Errorf("read %s: %w", seg.path, err)
			}
			// One unreadable predecessor loses its tail but must not
			// abort the run.
			t.log.Warn().Err(err).Str("file", seg.path).Msg("skipping unreadable predecessor")
			continue
		}
		if seg.primary {
			newOff.Position = seg.seek + consumed
		}
	}
	return newOff, nil
}

// plan resolves the stored offset against the current file layout.
func (t *Tailer) plan(primary string, off Offset, id fileID, size int64) []segment {
	if !off.HasFingerprint() {
		if off.Position > 0 {
			t.log.Warn().Str("source", off.SourceID).Msg("offset has no fingerprint, restarting from zero")
		}
		return []segment{{path: primary, primary: true}}
	}

	if off.Dev == id.Dev && off.Inode == id.Inode {
		if size >= off.Position {
			return []segment{{path: primary, seek: off.Position, primary: true}}
		}
		t.log.Warn().
			Str("source", off.SourceID).
			Int64("size", size).
			Int64("offset", off.Position).
			Msg("source truncated below stored offset, restarting from zero")
		return []segment{{path: primary, primary: true}}
	}

	// Fingerprint mismatch: the primary was rotated. Find the predecessor
	// the offset was recorded against and cover the gap from there.
	preds := rotatedPredecessors(primary)
	for i, pred := range preds {
		pid, _, err := statID(pred)
		if err != nil || pid != (fileID{Dev: off.Dev, Inode: off.Inode}) {
			continue
		}
		t.log.Info().
			Str("source", off.SourceID).
			Str("predecessor", filepath.Base(pred)).
			Int64("offset", off.Position).
			Msg("resuming across rotation")
		segs := []segment{{path: pred, seek: off.Position, gz: isGzip(pred)}}
		for _, newer := range preds[i+1:] {
			segs = append(segs, segment{path: newer, gz: isGzip(newer)})
		}
		return append(segs, segment{path: primary, primary: true})
	}

	// No predecessor carries the stored fingerprint (purged logs, long
	// downtime). Lossy but safe: restart from the current file.
	t.log.Warn().
		Str("source", off.SourceID).
		Msg("no rotated file matches stored offset, possible data gap, restarting from zero")
	return []segment{{path: primary, primary: true}}
}

// readSegment streams seg's lines from seg.seek onward and reports how many
// bytes of complete lines were consumed past the seek point. A trailing
// fragment without a newline is left for the next run.
func (t *Tailer) readSegment(ctx context.Context, seg segment, fn LineFunc) (int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if seg.gz {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("gunzip: %w", err)
		}
		defer gz.Close()
		// Offsets address uncompressed bytes; skip by reading.
		if seg.seek > 0 {
			if _, err := io.CopyN(io.Discard, gz, seg.seek); err != nil {
				return 0, fmt.Errorf("gunzip seek: %w", err)
			}
		}
		r = gz
	} else if seg.seek > 0 {
		if _, err := f.Seek(seg.seek, io.SeekStart); err != nil {
			return 0, err
		}
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		raw, err := br.ReadString('\n')
		if err == nil {
			consumed += int64(len(raw))
			if ferr := fn(strings.TrimRight(raw, "\r\n")); ferr != nil {
				return consumed, ferr
			}
			continue
		}
		if err == io.EOF {
			// Partial final line: a writer is mid-append. Do not process
			// or count it; the next run picks it up whole.
			return consumed, nil
		}
		return consumed, err
	}
}

// rotatedPredecessors lists rotated siblings of primary ordered oldest
// first. Numeric logrotate suffixes (.1, .2.gz) count down toward the
// newest; date-stamped suffixes sort chronologically as strings.
func rotatedPredecessors(primary string) []string {
	matches, err := filepath.Glob(primary + ".*")
	if err != nil {
		return nil
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}

	type ranked struct {
		path string
		num  int64
	}
	rankedFiles := make([]ranked, len(files))
	counters := len(files) > 0
	for i, f := range files {
		suffix := strings.TrimPrefix(f, primary+".")
		suffix = strings.TrimSuffix(suffix, ".gz")
		n, err := strconv.ParseInt(suffix, 10, 64)
		rankedFiles[i] = ranked{path: f, num: n}
		// Rotation counters are small numbers counting down toward the
		// newest; 8-digit date stamps count up. Anything else sorts by
		// name, which is chronological for date-stamped schemes.
		if err != nil || len(suffix) >= 8 {
			counters = false
		}
	}
	sort.Slice(rankedFiles, func(i, j int) bool {
		if counters {
			return rankedFiles[i].num > rankedFiles[j].num
		}
		return rankedFiles[i].path < rankedFiles[j].path
	})

	out := make([]string, len(rankedFiles))
	for i, r := range rankedFiles {
		out[i] = r.path
	}
	return out
}

func isGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// Package sink persists enriched events to an append-only CSV file. The
// column order is the stable contract with downstream consumers (reporting,
// export) and must not change.
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/monozoide/MailLogSentinel/internal/extract"
	"github.com/rs/zerolog"
)

// Columns is the sink schema, in persisted order.
var Columns = []string{
	"server", "date", "ip", "user", "hostname",
	"reverse_dns_status", "country_code", "asn", "aso",
}

// Delimiter separates sink fields.
const Delimiter = ';'

// Sink appends enriched events to one CSV file.
type Sink struct {
	path string
	log  zerolog.Logger
}

// New returns a Sink writing to path. The file and its header are created on
// first append.
func New(path string, log zerolog.Logger) *Sink {
	return &Sink{path: path, log: log}
}

// Path returns the sink file location.
func (s *Sink) Path() string { return s.path }

// Append durably appends events, skipping any already persisted for this
// batch's time range. The skip guards against re-processing after a crash
// between event persistence and offset commit; identical events within one
// batch are distinct attempts and are all written.
func (s *Sink) Append(events []extract.Event) (appended, skipped int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}

	existing, err := s.tailKeys(batchStart(events))
	if err != nil {
		return 0, 0, fmt.Errorf("scan sink tail: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, 0, fmt.Errorf("open sink: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	w := csv.NewWriter(f)
	w.Comma = Delimiter
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			return 0, 0, err
		}
	}
	for i := range events {
		ev := &events[i]
		if existing[ev.Key()] {
			skipped++
			continue
		}
		row := []string{
			ev.Server, ev.Date, ev.IP, ev.User, ev.Hostname,
			ev.DNSStatus, ev.Country, ev.ASN, ev.ASO,
		}
		if err := w.Write(row); err != nil {
			return appended, skipped, err
		}
		appended++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return appended, skipped, fmt.Errorf("write sink: %w", err)
	}
	// The offset commit that follows relies on these rows being durable.
	if err := f.Sync(); err != nil {
		return appended, skipped, fmt.Errorf("sync sink: %w", err)
	}
	return appended, skipped, nil
}

// batchStart returns the earliest parseable event timestamp, bounding how
// far back the duplicate scan must look.
func batchStart(events []extract.Event) (min time.Time) {
	for i := range events {
		ts, err := time.Parse(extract.DateFormat, events[i].Date)
		if err != nil {
			continue
		}
		if min.IsZero() || ts.Before(min) {
			min = ts
		}
	}
	return min
}

// tailKeys collects the dedup keys of persisted rows no older than since,
// scanning the file backwards in chunks so a large sink is never read whole.
func (s *Sink) tailKeys(since time.Time) (map[string]bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	const chunk = 64 * 1024
	start := size
	for {
		start -= chunk
		if start < 0 {
			start = 0
		}
		keys, covered, err := scanKeysFrom(f, start, size, since)
		if err != nil {
			return nil, err
		}
		if covered || start == 0 {
			return keys, nil
		}
	}
}

// scanKeysFrom parses rows in [start,size) and collects keys for rows with
// timestamp >= since. covered reports that a row older than since was seen,
// meaning no earlier chunk can contain batch-window rows.
func scanKeysFrom(f *os.File, start, size int64, since time.Time) (map[string]bool, bool, error) {
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, false, err
	}
	buf := make([]byte, size-start)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, false, err
	}

	lines := strings.Split(string(buf), "\n")
	if start > 0 && len(lines) > 0 {
		// The first line is cut mid-row unless the chunk boundary landed
		// exactly on a row start.
		var prev [1]byte
		if _, err := f.ReadAt(prev[:], start-1); err != nil {
			return nil, false, err
		}
		if prev[0] != '\n' {
			lines = lines[1:]
		}
	}

	keys := make(map[string]bool)
	covered := false
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		r := csv.NewReader(strings.NewReader(line))
		r.Comma = Delimiter
		row, err := r.Read()
		if err != nil || len(row) < 4 {
			continue
		}
		ts, err := time.Parse(extract.DateFormat, row[1])
		if err != nil {
			continue // header or malformed row
		}
		if ts.Before(since) {
			covered = true
			continue
		}
		keys[row[0]+"\x00"+row[1]+"\x00"+row[2]+"\x00"+row[3]] = true
	}
	return keys, covered, nil
}

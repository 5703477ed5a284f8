package sink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/monozoide/MailLogSentinel/internal/extract"
	"github.com/rs/zerolog"
)

func testSink(t *testing.T) *Sink {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "intrusions.csv"), zerolog.Nop())
}

func event(date, ip, user string) extract.Event {
	return extract.Event{
		Server:    "mx1",
		Date:      date,
		IP:        ip,
		User:      user,
		Hostname:  "null",
		DNSStatus: "not_found",
		Country:   "N/A",
		ASN:       "N/A",
		ASO:       "N/A",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestAppend_CreatesFileWithHeader(t *testing.T) {
	s := testSink(t)
	appended, skipped, err := s.Append([]extract.Event{
		event("14/02/2026 10:15", "203.0.113.5", "alice"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if appended != 1 || skipped != 0 {
		t.Fatalf("appended=%d skipped=%d, want 1/0", appended, skipped)
	}
	lines := readLines(t, s.Path())
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), lines)
	}
	wantHeader := "server;date;ip;user;hostname;reverse_dns_status;country_code;asn;aso"
	if lines[0] != wantHeader {
		t.Errorf("header = %q, want %q", lines[0], wantHeader)
	}
	if lines[1] != "mx1;14/02/2026 10:15;203.0.113.5;alice;null;not_found;N/A;N/A;N/A" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestAppend_NoHeaderOnSecondAppend(t *testing.T) {
	s := testSink(t)
	if _, _, err := s.Append([]extract.Event{event("14/02/2026 10:15", "203.0.113.5", "alice")}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Append([]extract.Event{event("14/02/2026 10:16", "203.0.113.6", "bob")}); err != nil {
		t.Fatal(err)
	}
	lines := readLines(t, s.Path())
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "server;") {
			t.Errorf("duplicate header: %q", l)
		}
	}
}

func TestAppend_IdenticalEventsInOneBatchAllWritten(t *testing.T) {
	// Repeated failures within the same minute are distinct attempts.
	s := testSink(t)
	ev := event("14/02/2026 10:15", "203.0.113.5", "alice")
	appended, skipped, err := s.Append([]extract.Event{ev, ev, ev})
	if err != nil {
		t.Fatal(err)
	}
	if appended != 3 || skipped != 0 {
		t.Fatalf("appended=%d skipped=%d, want 3/0", appended, skipped)
	}
}

func TestAppend_RetryAfterCrashSkipsPersisted(t *testing.T) {
	s := testSink(t)
	batch := []extract.Event{
		event("14/02/2026 10:15", "203.0.113.5", "alice"),
		event("14/02/2026 10:16", "203.0.113.6", "bob"),
	}
	if _, _, err := s.Append(batch); err != nil {
		t.Fatal(err)
	}
	// Offset commit never happened; the same window is processed again.
	appended, skipped, err := s.Append(batch)
	if err != nil {
		t.Fatal(err)
	}
	if appended != 0 || skipped != 2 {
		t.Fatalf("appended=%d skipped=%d, want 0/2", appended, skipped)
	}
	if lines := readLines(t, s.Path()); len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
}

func TestAppend_OlderRowsDoNotBlockNewEvents(t *testing.T) {
	s := testSink(t)
	if _, _, err := s.Append([]extract.Event{event("14/02/2026 10:15", "203.0.113.5", "alice")}); err != nil {
		t.Fatal(err)
	}
	appended, skipped, err := s.Append([]extract.Event{event("14/02/2026 10:20", "203.0.113.5", "alice")})
	if err != nil {
		t.Fatal(err)
	}
	if appended != 1 || skipped != 0 {
		t.Fatalf("appended=%d skipped=%d, want 1/0", appended, skipped)
	}
}

func TestAppend_MixedBatchSkipsOnlyPersistedTuples(t *testing.T) {
	// The batch start is the oldest event in the batch, so a duplicate at
	// exactly that timestamp must still be found by the tail scan.
	s := testSink(t)
	if _, _, err := s.Append([]extract.Event{event("13/02/2026 10:15", "203.0.113.5", "alice")}); err != nil {
		t.Fatal(err)
	}
	batch := []extract.Event{
		event("14/02/2026 09:00", "198.51.100.7", "carol"),
		event("13/02/2026 10:15", "203.0.113.5", "alice"), // same tuple, in window
	}
	appended, skipped, err := s.Append(batch)
	if err != nil {
		t.Fatal(err)
	}
	if appended != 1 || skipped != 1 {
		t.Fatalf("appended=%d skipped=%d, want 1/1", appended, skipped)
	}
}

func TestAppend_EmptyBatch(t *testing.T) {
	s := testSink(t)
	appended, skipped, err := s.Append(nil)
	if err != nil {
		t.Fatal(err)
	}
	if appended != 0 || skipped != 0 {
		t.Fatalf("appended=%d skipped=%d, want 0/0", appended, skipped)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("empty batch should not create the sink file")
	}
}

func TestAppend_QuotedFieldSurvivesRoundTrip(t *testing.T) {
	s := testSink(t)
	ev := event("14/02/2026 10:15", "203.0.113.5", `ali;ce`)
	if _, _, err := s.Append([]extract.Event{ev}); err != nil {
		t.Fatal(err)
	}
	// Re-appending the same tuple must still be recognised despite quoting.
	appended, skipped, err := s.Append([]extract.Event{ev})
	if err != nil {
		t.Fatal(err)
	}
	if appended != 0 || skipped != 1 {
		t.Fatalf("appended=%d skipped=%d, want 0/1", appended, skipped)
	}
}

func TestScanKeysFrom_ChunkBoundaryOnRowStart(t *testing.T) {
	// A scan window starting exactly at a row start must keep that row; only
	// a window cutting into the middle of a row may discard its first line.
	s := testSink(t)
	if _, _, err := s.Append([]extract.Event{
		event("13/02/2026 08:00", "192.0.2.1", "old"),
		event("14/02/2026 10:15", "203.0.113.5", "alice"),
	}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	lastRowStart := int64(strings.LastIndex(strings.TrimRight(string(data), "\n"), "\n") + 1)

	f, err := os.Open(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	since, err := time.Parse(extract.DateFormat, "14/02/2026 00:00")
	if err != nil {
		t.Fatal(err)
	}
	keys, _, err := scanKeysFrom(f, lastRowStart, int64(len(data)), since)
	if err != nil {
		t.Fatal(err)
	}
	wantKey := "mx1\x0014/02/2026 10:15\x00203.0.113.5\x00alice"
	if !keys[wantKey] {
		t.Errorf("row starting exactly at the window boundary was dropped: keys = %v", keys)
	}

	// One byte into the row: the cut line must be discarded, not misparsed.
	keys, _, err = scanKeysFrom(f, lastRowStart+1, int64(len(data)), since)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("partial first line must be discarded, got keys = %v", keys)
	}
}

func TestTailKeys_LargeFileChunkedScan(t *testing.T) {
	s := testSink(t)
	var old []extract.Event
	for i := 0; i < 5000; i++ {
		old = append(old, event("13/02/2026 08:00", "192.0.2.1", "padding"))
	}
	if _, _, err := s.Append(old); err != nil {
		t.Fatal(err)
	}
	recent := event("14/02/2026 10:15", "203.0.113.5", "alice")
	if _, _, err := s.Append([]extract.Event{recent}); err != nil {
		t.Fatal(err)
	}
	appended, skipped, err := s.Append([]extract.Event{recent})
	if err != nil {
		t.Fatal(err)
	}
	if appended != 0 || skipped != 1 {
		t.Fatalf("appended=%d skipped=%d, want 0/1", appended, skipped)
	}
}

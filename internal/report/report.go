// Package report aggregates persisted events into a plain-text summary of
// authentication failures for a time window.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/monozoide/MailLogSentinel/internal/enrich"
	"github.com/monozoide/MailLogSentinel/internal/extract"
	"github.com/monozoide/MailLogSentinel/internal/sink"
)

// Window bounds the rows a summary covers, inclusive on both ends.
type Window struct {
	From time.Time
	To   time.Time
}

// Today returns the window covering now's calendar day.
func Today(now time.Time) Window {
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Window{From: from, To: from.Add(24*time.Hour - time.Minute)}
}

func (w Window) contains(ts time.Time) bool {
	return !ts.Before(w.From) && !ts.After(w.To)
}

// TupleCount is one (user, ip, hostname, country) group and its frequency.
type TupleCount struct {
	User     string
	IP       string
	Hostname string
	Country  string
	Count    int
}

// KV is one counted value for single-dimension rankings.
type KV struct {
	Key   string
	Count int
}

// Summary is the aggregated view of one window of the sink.
type Summary struct {
	Window Window
	Total  int

	TopAuth      []TupleCount
	TopUsers     []KV
	TopCountries []KV
	TopASN       []KV
	TopASO       []KV

	DNSFailures    int
	DNSErrorCounts []KV

	SinkPath      string
	SinkSizeBytes int64
	SinkLines     int
}

type counter struct {
	counts map[string]int
	first  map[string]int // insertion order, ties resolve to earliest seen
	next   int
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int), first: make(map[string]int)}
}

func (c *counter) add(key string) {
	if _, ok := c.counts[key]; !ok {
		c.first[key] = c.next
		c.next++
	}
	c.counts[key]++
}

func (c *counter) top(n int) []KV {
	out := make([]KV, 0, len(c.counts))
	for k, v := range c.counts {
		out = append(out, KV{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return c.first[out[i].Key] < c.first[out[j].Key]
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Analyze reads the sink at path and aggregates every row inside w. Rows with
// malformed timestamps are skipped. A missing sink yields an empty summary.
func Analyze(path string, w Window, topN int) (*Summary, error) {
	s := &Summary{Window: w, SinkPath: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open sink: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		s.SinkSizeBytes = info.Size()
	}

	const sep = "\x00"
	auth := newCounter()
	tupleMeta := make(map[string]TupleCount)
	users := newCounter()
	countries := newCounter()
	asns := newCounter()
	asos := newCounter()
	dnsErrors := newCounter()

	r := csv.NewReader(f)
	r.Comma = sink.Delimiter
	r.FieldsPerRecord = -1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sink: %w", err)
		}
		if len(row) > 0 && row[0] == sink.Columns[0] {
			continue // header
		}
		s.SinkLines++
		if len(row) < len(sink.Columns) {
			continue
		}
		// Sink timestamps are wall-clock; parse them in the window's zone
		// so the day boundary matches the caller's calendar day.
		ts, err := time.ParseInLocation(extract.DateFormat, row[1], w.From.Location())
		if err != nil || !w.contains(ts) {
			continue
		}
		s.Total++

		user, ip, host, country := row[3], row[2], row[4], row[6]
		key := user + sep + ip + sep + host + sep + country
		auth.add(key)
		if _, ok := tupleMeta[key]; !ok {
			tupleMeta[key] = TupleCount{User: user, IP: ip, Hostname: host, Country: country}
		}
		users.add(user)
		countries.add(country)
		asns.add(row[7])
		asos.add(row[8])
		if status := row[5]; status != string(enrich.StatusOK) {
			s.DNSFailures++
			dnsErrors.add(status)
		}
	}

	for _, kv := range auth.top(topN) {
		tc := tupleMeta[kv.Key]
		tc.Count = kv.Count
		s.TopAuth = append(s.TopAuth, tc)
	}
	s.TopUsers = users.top(topN)
	s.TopCountries = countries.top(topN)
	s.TopASN = asns.top(topN)
	s.TopASO = asos.top(topN)
	s.DNSErrorCounts = dnsErrors.top(0)
	return s, nil
}

// Render writes the summary as plain text.
func (s *Summary) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed authentication report for %s\n\n",
		s.Window.From.Format("02/01/2006"))
	fmt.Fprintf(&b, "Total attempts: %d\n\n", s.Total)

	fmt.Fprintf(&b, "Top %d failed authentications:\n", len(s.TopAuth))
	for i, tc := range s.TopAuth {
		fmt.Fprintf(&b, "  %2d. %s %s (%s) %s  %d time(s)\n",
			i+1, tc.User, tc.IP, tc.Hostname, tc.Country, tc.Count)
	}

	section := func(title string, kvs []KV) {
		fmt.Fprintf(&b, "\nTop %d %s:\n", len(kvs), title)
		for i, kv := range kvs {
			fmt.Fprintf(&b, "  %2d. %s  %d time(s)\n", i+1, kv.Key, kv.Count)
		}
	}
	section("usernames", s.TopUsers)
	section("countries", s.TopCountries)
	section("ASNs", s.TopASN)
	section("ASOs", s.TopASO)

	fmt.Fprintf(&b, "\nReverse DNS failures: %d\n", s.DNSFailures)
	for _, kv := range s.DNSErrorCounts {
		fmt.Fprintf(&b, "  %s: %d\n", kv.Key, kv.Count)
	}

	fmt.Fprintf(&b, "\nSink file: %s (%d bytes, %d rows)\n",
		s.SinkPath, s.SinkSizeBytes, s.SinkLines)
	_, err := io.WriteString(w, b.String())
	return err
}

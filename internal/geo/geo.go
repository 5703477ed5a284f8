// Package geo answers country and ASN/ASO lookups for IP addresses from
// locally stored, range-keyed datasets. Datasets are loaded once per run;
// a missing dataset degrades every lookup to absent, never an error.
package geo

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// Record is the enrichment result for one IP.
type Record struct {
	Country string
	ASN     string
	ASO     string
}

type rng struct {
	start netip.Addr
	end   netip.Addr
	rec   Record
}

type rangeDB struct {
	ranges []rng
	// maxEnd[i] is the largest end address among ranges[0..i]; it bounds
	// the leftward scan when ranges overlap.
	maxEnd []netip.Addr
}

// Table performs range-containment lookups over country and ASN datasets.
// The primary backend is the numeric CSV format (start,end,value...); MaxMind
// databases serve as a fallback backend per dataset when no CSV is loaded.
type Table struct {
	country *rangeDB
	asn     *rangeDB

	mmCountry *geoip2.Reader
	mmASN     *geoip2.Reader

	log zerolog.Logger
}

// Options name the datasets to load. Empty paths are skipped.
type Options struct {
	CountryCSV  string
	ASNCSV      string
	CountryMMDB string
	ASNMMDB     string
}

// Open loads the configured datasets. Unreadable or malformed datasets are
// logged and left unloaded; Open fails only on a present-but-corrupt MaxMind
// database, since that signals misconfiguration rather than staleness.
func Open(opts Options, log zerolog.Logger) (*Table, error) {
	t := &Table{log: log}
	if opts.CountryCSV != "" {
		db, err := loadRangeCSV(opts.CountryCSV, parseCountryRow)
		if err != nil {
			log.Warn().Err(err).Str("path", opts.CountryCSV).Msg("country dataset unavailable")
		} else {
			t.country = db
			log.Info().Int("ranges", len(db.ranges)).Str("path", opts.CountryCSV).Msg("country dataset loaded")
		}
	}
	if opts.ASNCSV != "" {
		db, err := loadRangeCSV(opts.ASNCSV, parseASNRow)
		if err != nil {
			log.Warn().Err(err).Str("path", opts.ASNCSV).Msg("asn dataset unavailable")
		} else {
			t.asn = db
			log.Info().Int("ranges", len(db.ranges)).Str("path", opts.ASNCSV).Msg("asn dataset loaded")
		}
	}
	if t.country == nil && opts.CountryMMDB != "" {
		db, err := geoip2.Open(opts.CountryMMDB)
		if err != nil {
			return nil, fmt.Errorf("open country mmdb: %w", err)
		}
		t.mmCountry = db
	}
	if t.asn == nil && opts.ASNMMDB != "" {
		db, err := geoip2.Open(opts.ASNMMDB)
		if err != nil {
			if t.mmCountry != nil {
				_ = t.mmCountry.Close()
			}
			return nil, fmt.Errorf("open asn mmdb: %w", err)
		}
		t.mmASN = db
	}
	return t, nil
}

// Close releases MaxMind readers, if any.
func (t *Table) Close() error {
	if t.mmCountry != nil {
		_ = t.mmCountry.Close()
		t.mmCountry = nil
	}
	if t.mmASN != nil {
		_ = t.mmASN.Close()
		t.mmASN = nil
	}
	return nil
}

// Lookup returns geo/ASN data for ip. The second return is false when no
// loaded dataset contains the address.
func (t *Table) Lookup(ip string) (Record, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Record{}, false
	}
	addr = addr.Unmap()

	var rec Record
	found := false
	if t.country != nil {
		if r, ok := t.country.lookup(addr); ok {
			rec.Country = r.Country
			found = true
		}
	} else if t.mmCountry != nil {
		if c, err := t.mmCountry.Country(net.IP(addr.AsSlice())); err == nil && c.Country.IsoCode != "" {
			rec.Country = c.Country.IsoCode
			found = true
		}
	}
	if t.asn != nil {
		if r, ok := t.asn.lookup(addr); ok {
			rec.ASN = r.ASN
			rec.ASO = r.ASO
			found = true
		}
	} else if t.mmASN != nil {
		if a, err := t.mmASN.ASN(net.IP(addr.AsSlice())); err == nil && a.AutonomousSystemNumber != 0 {
			rec.ASN = fmt.Sprintf("AS%d", a.AutonomousSystemNumber)
			rec.ASO = a.AutonomousSystemOrganization
			found = true
		}
	}
	return rec, found
}

// lookup finds the narrowest range containing addr. Ranges are sorted by
// start; the prefix maximum of ends bounds how far left the scan must go.
func (db *rangeDB) lookup(addr netip.Addr) (Record, bool) {
	i := sort.Search(len(db.ranges), func(i int) bool {
		return db.ranges[i].start.Compare(addr) > 0
	}) - 1

	best := -1
	for ; i >= 0; i-- {
		if db.maxEnd[i].Compare(addr) < 0 {
			break
		}
		r := db.ranges[i]
		if r.end.Compare(addr) >= 0 {
			if best == -1 || narrower(r, db.ranges[best]) {
				best = i
			}
		}
	}
	if best == -1 {
		return Record{}, false
	}
	return db.ranges[best].rec, true
}

// narrower reports whether a is more specific than b: later start, or equal
// start with earlier end.
func narrower(a, b rng) bool {
	if c := a.start.Compare(b.start); c != 0 {
		return c > 0
	}
	return a.end.Compare(b.end) < 0
}

type rowParser func(row []string) (start, end string, rec Record, err error)

func parseCountryRow(row []string) (string, string, Record, error) {
	if len(row) < 3 {
		return "", "", Record{}, fmt.Errorf("want 3 columns, got %d", len(row))
	}
	return row[0], row[1], Record{Country: strings.TrimSpace(row[2])}, nil
}

func parseASNRow(row []string) (string, string, Record, error) {
	if len(row) < 4 {
		return "", "", Record{}, fmt.Errorf("want 4 columns, got %d", len(row))
	}
	return row[0], row[1], Record{
		ASN: strings.TrimSpace(row[2]),
		ASO: strings.TrimSpace(row[3]),
	}, nil
}

func loadRangeCSV(path string, parse rowParser) (*rangeDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	db := &rangeDB{}
	rowNum := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rowNum++
		startS, endS, rec, perr := parse(row)
		if perr != nil {
			// Tolerate a header row; anything past row 1 is data.
			if rowNum == 1 {
				continue
			}
			return nil, fmt.Errorf("%s row %d: %w", path, rowNum, perr)
		}
		start, ok1 := numToAddr(startS)
		end, ok2 := numToAddr(endS)
		if !ok1 || !ok2 {
			if rowNum == 1 {
				continue // header
			}
			return nil, fmt.Errorf("%s row %d: invalid numeric range %q-%q", path, rowNum, startS, endS)
		}
		if end.Compare(start) < 0 {
			return nil, fmt.Errorf("%s row %d: inverted range", path, rowNum)
		}
		db.ranges = append(db.ranges, rng{start: start, end: end, rec: rec})
	}

	sort.Slice(db.ranges, func(i, j int) bool {
		if c := db.ranges[i].start.Compare(db.ranges[j].start); c != 0 {
			return c < 0
		}
		return db.ranges[i].end.Compare(db.ranges[j].end) < 0
	})
	db.maxEnd = make([]netip.Addr, len(db.ranges))
	for i, r := range db.ranges {
		db.maxEnd[i] = r.end
		if i > 0 && db.maxEnd[i-1].Compare(db.maxEnd[i]) > 0 {
			db.maxEnd[i] = db.maxEnd[i-1]
		}
	}
	return db, nil
}

// numToAddr converts the dataset's decimal integer form to an address:
// values within 32 bits are IPv4, larger values are IPv6.
func numToAddr(s string) (netip.Addr, bool) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return netip.Addr{}, false
	}
	if n.BitLen() <= 32 {
		var b [4]byte
		n.FillBytes(b[:])
		return netip.AddrFrom4(b), true
	}
	if n.BitLen() <= 128 {
		var b [16]byte
		n.FillBytes(b[:])
		return netip.AddrFrom16(b), true
	}
	return netip.Addr{}, false
}

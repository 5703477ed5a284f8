// Package enrich attaches reverse-DNS and geo/ASN data to extracted events.
// Enrichment never discards an event: every lookup failure degrades to the
// field's sentinel value.
package enrich

import (
	"context"

	"github.com/monozoide/MailLogSentinel/internal/extract"
	"github.com/monozoide/MailLogSentinel/internal/geo"
	"github.com/rs/zerolog"
)

// Sentinels written to the sink when a lookup yields nothing.
const (
	UnknownHostname = "null"
	UnknownGeo      = "N/A"
)

// Enricher fills the hostname, dns_status and geo fields of an event.
type Enricher struct {
	resolver *Resolver
	table    *geo.Table
	log      zerolog.Logger
}

// New builds an Enricher. table may be nil when no geo datasets are
// configured; every geo field then degrades to UnknownGeo.
func New(resolver *Resolver, table *geo.Table, log zerolog.Logger) *Enricher {
	return &Enricher{resolver: resolver, table: table, log: log}
}

// Enrich attaches lookup results to ev in place.
func (e *Enricher) Enrich(ctx context.Context, ev *extract.Event) {
	res := e.resolver.Lookup(ctx, ev.IP)
	ev.DNSStatus = string(res.Status)
	if res.Status == StatusOK && res.Hostname != "" {
		ev.Hostname = res.Hostname
	} else {
		ev.Hostname = UnknownHostname
	}

	ev.Country, ev.ASN, ev.ASO = UnknownGeo, UnknownGeo, UnknownGeo
	if e.table == nil {
		return
	}
	rec, ok := e.table.Lookup(ev.IP)
	if !ok {
		return
	}
	if rec.Country != "" {
		ev.Country = rec.Country
	}
	if rec.ASN != "" {
		ev.ASN = rec.ASN
	}
	if rec.ASO != "" {
		ev.ASO = rec.ASO
	}
}

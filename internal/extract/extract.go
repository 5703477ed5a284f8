// Package extract turns raw mail log lines into structured authentication
// failure events. Parsing is pure: no I/O, no shared mutable state.
package extract

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// DateFormat is the normalized timestamp layout used in events and the sink.
const DateFormat = "02/01/2006 15:04"

// Event is one failed authentication attempt. The extractor fills the
// identity fields; the enricher fills Hostname, DNSStatus and the geo fields.
type Event struct {
	Server    string
	Date      string // DateFormat
	IP        string
	User      string
	Hostname  string
	DNSStatus string
	Country   string
	ASN       string
	ASO       string
}

// Key identifies an event for duplicate suppression in the sink.
func (e *Event) Key() string {
	return e.Server + "\x00" + e.Date + "\x00" + e.IP + "\x00" + e.User
}

var months = map[string]int{
	"Jan": 1, "Feb": 2, "Mar": 3, "Apr": 4, "May": 5, "Jun": 6,
	"Jul": 7, "Aug": 8, "Sep": 9, "Oct": 10, "Nov": 11, "Dec": 12,
}

// syslogRE matches the classic syslog prefix: "Mon dd HH:MM:SS host ...".
var syslogRE = regexp.MustCompile(
	`^(?P<month>[A-Z][a-z]{2})\s+(?P<day>\d{1,2})\s+(?P<time>\d{2}:\d{2}:\d{2})\s+(?P<server>\S+)\s`)

// matcher extracts (ip, user) from the message part of a line. Matchers are
// tried in order; the first structural match wins.
type matcher struct {
	name string
	re   *regexp.Regexp
	ip   int // submatch index of the ip group
	user int // submatch index of the user group
}

var matchers = buildMatchers()

func buildMatchers() []matcher {
	// Postfix smtpd SASL failures carry the username after "sasl_username=".
	postfix := regexp.MustCompile(
		`(?P<ip>\d{1,3}(?:\.\d{1,3}){3}|[0-9A-Fa-f:]*:[0-9A-Fa-f:.]+).*?sasl_username=(?P<user>[^,]+)`)
	// Dovecot imap/pop3 login failures: "... (auth failed, ...): user=<u>, ... rip=ip".
	dovecot := regexp.MustCompile(
		`(?:imap|pop3)-login: .*\(auth failed[^)]*\).*user=<(?P<user>[^>]*)>.*rip=(?P<ip>[0-9A-Fa-f:.]+)`)
	ms := []matcher{
		{name: "postfix_sasl", re: postfix},
		{name: "dovecot_login", re: dovecot},
	}
	for i := range ms {
		for j, name := range ms[i].re.SubexpNames() {
			switch name {
			case "ip":
				ms[i].ip = j
			case "user":
				ms[i].user = j
			}
		}
	}
	return ms
}

// Parse extracts an authentication failure event from one log line, or
// reports false for lines that are not relevant or not well formed. Syslog
// timestamps carry no year, so the caller supplies it.
func Parse(line string, year int) (Event, bool) {
	m := syslogRE.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	rest := line[len(m[0]):]

	for _, pat := range matchers {
		sub := pat.re.FindStringSubmatch(rest)
		if sub == nil {
			continue
		}
		ip := sub[pat.ip]
		if addr, err := netip.ParseAddr(ip); err != nil {
			// Shaped like a match but the address is malformed: treat
			// as a non-match rather than guess.
			return Event{}, false
		} else {
			ip = addr.String()
		}
		user := sanitizeField(sub[pat.user])
		if user == "" {
			return Event{}, false
		}
		date, ok := normalizeDate(m[1], m[2], m[3], year)
		if !ok {
			return Event{}, false
		}
		return Event{
			Server: m[4],
			Date:   date,
			IP:     ip,
			User:   user,
		}, true
	}
	return Event{}, false
}

// normalizeDate renders "Mon dd HH:MM:SS" as DateFormat, dropping seconds.
func normalizeDate(mon, day, clock string, year int) (string, bool) {
	monNum, ok := months[mon]
	if !ok {
		return "", false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return "", false
	}
	return fmt.Sprintf("%02d/%02d/%04d %s", d, monNum, year, clock[:5]), true
}

func sanitizeField(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

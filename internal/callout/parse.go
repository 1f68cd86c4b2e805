package callout

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	_ "time/tzdata" // zone names resolve without a system zoneinfo
)

const (
	DefaultMarker        = "!remindme"
	DefaultMaxPayloadLen = 100
	DefaultMaxHorizon    = 365 * 24 * time.Hour
)

// ParserConfig configures a Parser. Zero values select defaults.
type ParserConfig struct {
	Marker        string
	Location      *time.Location
	MaxPayloadLen int
	// MaxHorizon bounds how far ahead a callout may be scheduled. Negative disables the check.
	MaxHorizon time.Duration
}

// Parser turns raw stream items into drafts.
//
// Parse is a pure function of its input: relative expressions resolve
// against the item timestamp, never the wall clock.
//
// Supported expressions (after the marker):
//   - relative: "in 2 hours", "2h30m", "1 day, 3 hours", "3 days and 4 hours", "1w"
//   - time of day: "at 18:00", "at 6:30pm", "at 18:00 UTC", "at 09:15 +02:00", "at 9am Europe/Berlin"
//   - date and time: "at 2024-03-01 18:00 [zone]"
//
// Everything after the expression is the payload; surrounding quotes are removed.
type Parser struct {
	marker     string
	reMarker   *regexp.Regexp
	loc        *time.Location
	maxPayload int
	horizon    time.Duration
}

func NewParser(cfg ParserConfig) *Parser {
	marker := strings.TrimSpace(cfg.Marker)
	if marker == "" {
		marker = DefaultMarker
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	maxPayload := cfg.MaxPayloadLen
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadLen
	}
	horizon := cfg.MaxHorizon
	if horizon == 0 {
		horizon = DefaultMaxHorizon
	}
	return &Parser{
		marker:     marker,
		reMarker:   regexp.MustCompile(`(?i)(?:^|\s)` + regexp.QuoteMeta(marker) + `(?:\s|$)`),
		loc:        loc,
		maxPayload: maxPayload,
		horizon:    horizon,
	}
}

// Marker returns the command marker the parser recognizes.
func (p *Parser) Marker() string { return p.marker }

// Parse validates item and returns a reminder draft, or a *ParseFailure.
func (p *Parser) Parse(item RawItem) (Draft, error) {
	loc := p.reMarker.FindStringIndex(item.Text)
	if loc == nil {
		return Draft{}, &ParseFailure{Reason: ReasonNotCommand}
	}
	author := strings.TrimSpace(item.Author)
	if author == "" {
		return Draft{}, fail(ReasonMissingInvoker, "message has no author")
	}

	rest := item.Text[loc[1]:]
	fireAt, rest, pf := p.parseExpression(rest, item.PostedAt)
	if pf != nil {
		return Draft{}, pf
	}
	if p.horizon > 0 && fireAt.Sub(item.PostedAt) > p.horizon {
		return Draft{}, fail(ReasonBeyondHorizon, "more than %s ahead", p.horizon)
	}

	payload := cleanPayload(rest)
	if n := utf8.RuneCountInString(payload); n > p.maxPayload {
		return Draft{}, fail(ReasonPayloadTooLong, "%d characters, limit is %d", n, p.maxPayload)
	}

	return Draft{
		SourceRef:   item.SourceRef,
		Kind:        KindReminder,
		Payload:     payload,
		FireAt:      fireAt.UTC(),
		RequestedBy: author,
	}, nil
}

// HintDraft builds the corrective reply for a replyable failure. It is due
// immediately and occupies the source message slot, so a malformed command
// is answered at most once.
func (p *Parser) HintDraft(item RawItem, pf *ParseFailure) Draft {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(item.Author))
	b.WriteString(", I could not schedule that: ")
	b.WriteString(describe(pf.Reason, p))
	b.WriteString(". Try ")
	b.WriteString(p.marker)
	b.WriteString(` in 2 hours "base 5" or `)
	b.WriteString(p.marker)
	b.WriteString(" at 18:30 UTC")
	return Draft{
		SourceRef:   item.SourceRef,
		Kind:        KindHint,
		Payload:     b.String(),
		FireAt:      item.PostedAt.UTC(),
		RequestedBy: strings.TrimSpace(item.Author),
	}
}

func describe(r Reason, p *Parser) string {
	switch r {
	case ReasonMalformed:
		return "the time is missing or unreadable"
	case ReasonAmbiguous:
		return "the same unit appears twice"
	case ReasonPast:
		return "that time is already in the past"
	case ReasonBeyondHorizon:
		return fmt.Sprintf("that is more than %s ahead", humanDuration(p.horizon))
	case ReasonPayloadTooLong:
		return fmt.Sprintf("the message is longer than %d characters", p.maxPayload)
	default:
		return string(r)
	}
}

func humanDuration(d time.Duration) string {
	day := 24 * time.Hour
	if d >= day && d%day == 0 {
		return strconv.FormatInt(int64(d/day), 10) + " days"
	}
	return d.String()
}

// ---- expression scanning ----

func (p *Parser) parseExpression(s string, posted time.Time) (time.Time, string, *ParseFailure) {
	tok, after := nextToken(s)
	if tok == "" {
		return time.Time{}, s, fail(ReasonMalformed, "no time expression")
	}
	switch strings.ToLower(tok) {
	case "at", "on":
		return p.parseAbsolute(after, posted)
	case "in":
		s = after
	}

	d, rest, pf := parseRelative(s)
	if pf != nil {
		return time.Time{}, s, pf
	}
	if d <= 0 {
		return time.Time{}, s, fail(ReasonPast, "zero duration")
	}
	return posted.Add(d), rest, nil
}

// nextToken splits off the next whitespace-delimited token.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

var units = map[string]time.Duration{
	"w": 7 * 24 * time.Hour, "wk": 7 * 24 * time.Hour, "wks": 7 * 24 * time.Hour,
	"week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,
}

var reCompact = regexp.MustCompile(`^(\d+)([a-z]+)`)

type relPart struct {
	n    int64
	unit time.Duration
}

// parseRelative consumes duration components ("2h30m", "2 hours", "1 day, 3 hours and 5 min").
func parseRelative(s string) (time.Duration, string, *ParseFailure) {
	var parts []relPart
	rest := s
	for {
		cand := rest
		if len(parts) > 0 {
			// A separator only belongs to the expression if a component follows it.
			tok, after := nextToken(cand)
			if l := strings.ToLower(tok); l == "and" || l == "," || l == "&" {
				cand = after
			}
		}
		ps, after, ok := component(cand)
		if !ok {
			break
		}
		parts = append(parts, ps...)
		rest = after
	}
	if len(parts) == 0 {
		return 0, s, fail(ReasonMalformed, "expected a duration like \"2 hours\" or a time like \"at 18:00\"")
	}

	seen := make(map[time.Duration]bool, len(parts))
	var total time.Duration
	for _, pt := range parts {
		if seen[pt.unit] {
			return 0, s, fail(ReasonAmbiguous, "unit %s given twice", unitName(pt.unit))
		}
		seen[pt.unit] = true
		if pt.n > int64(math.MaxInt64/int64(pt.unit)) {
			return 0, s, fail(ReasonBeyondHorizon, "duration overflows")
		}
		d := time.Duration(pt.n) * pt.unit
		if total > math.MaxInt64-d {
			return 0, s, fail(ReasonBeyondHorizon, "duration overflows")
		}
		total += d
	}
	return total, rest, nil
}

// component reads one "<n><unit>..." token or a "<n> <unit>" token pair.
func component(s string) ([]relPart, string, bool) {
	tok, after := nextToken(s)
	if tok == "" {
		return nil, s, false
	}
	low := strings.TrimRight(strings.ToLower(tok), ",:;")

	if n, err := strconv.ParseUint(low, 10, 63); err == nil {
		utok, uafter := nextToken(after)
		u, ok := units[strings.TrimRight(strings.ToLower(utok), ",:;")]
		if !ok {
			return nil, s, false
		}
		return []relPart{{n: int64(n), unit: u}}, uafter, true
	}

	var out []relPart
	for low != "" {
		m := reCompact.FindStringSubmatch(low)
		if m == nil {
			return nil, s, false
		}
		u, ok := units[m[2]]
		if !ok {
			return nil, s, false
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, s, false
		}
		out = append(out, relPart{n: n, unit: u})
		low = low[len(m[0]):]
	}
	return out, after, true
}

func unitName(u time.Duration) string {
	switch u {
	case 7 * 24 * time.Hour:
		return "weeks"
	case 24 * time.Hour:
		return "days"
	case time.Hour:
		return "hours"
	default:
		return "minutes"
	}
}

var (
	reDate      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	reClock     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)
	reOffset    = regexp.MustCompile(`^([+-])(\d{1,2})(?::?(\d{2}))?$`)
	reUTCOffset = regexp.MustCompile(`^(?:utc|gmt)([+-]\d{1,2}(?::?\d{2})?)$`)
)

func (p *Parser) parseAbsolute(s string, posted time.Time) (time.Time, string, *ParseFailure) {
	tok, rest := nextToken(s)
	low := strings.ToLower(tok)

	var (
		hasDate bool
		y, d    int
		mo      time.Month
	)
	if m := reDate.FindStringSubmatch(low); m != nil {
		hasDate = true
		y, _ = strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		d, _ = strconv.Atoi(m[3])
		mo = time.Month(mi)
		tok, rest = nextToken(rest)
		low = strings.ToLower(tok)
	}

	m := reClock.FindStringSubmatch(low)
	if m == nil {
		return time.Time{}, s, fail(ReasonMalformed, "expected a time like 18:00 or 6pm")
	}
	if m[3] == "" {
		if mer, after := nextToken(rest); isMeridiem(mer) {
			m[3] = strings.ToLower(mer)
			rest = after
		}
	}
	// A bare "at 18" is too easy to confuse with the payload.
	if m[2] == "" && m[3] == "" {
		return time.Time{}, s, fail(ReasonMalformed, "expected a time like 18:00 or 6pm")
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, s, fail(ReasonMalformed, "hour %d is not valid with %s", hour, m[3])
		}
		hour %= 12
		if m[3] == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return time.Time{}, s, fail(ReasonMalformed, "hour %d out of range", hour)
		}
	}
	if minute > 59 {
		return time.Time{}, s, fail(ReasonMalformed, "minute %d out of range", minute)
	}

	loc := p.loc
	if ztok, after := nextToken(rest); ztok != "" {
		if zl, ok := parseZone(ztok); ok {
			loc = zl
			rest = after
		}
	}

	if hasDate {
		at := time.Date(y, mo, d, hour, minute, 0, 0, loc)
		if at.Year() != y || at.Month() != mo || at.Day() != d {
			return time.Time{}, s, fail(ReasonMalformed, "%04d-%02d-%02d is not a calendar date", y, mo, d)
		}
		if !at.After(posted) {
			return time.Time{}, s, fail(ReasonPast, "%s is not after %s", at.UTC().Format(time.RFC3339), posted.UTC().Format(time.RFC3339))
		}
		return at, rest, nil
	}

	base := posted.In(loc)
	at := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, loc)
	if !at.After(posted) {
		at = time.Date(base.Year(), base.Month(), base.Day()+1, hour, minute, 0, 0, loc)
	}
	return at, rest, nil
}

func isMeridiem(tok string) bool {
	l := strings.ToLower(tok)
	return l == "am" || l == "pm"
}

// parseZone accepts UTC/GMT/Z, numeric offsets (+02:00, -0530, UTC+3) and IANA names.
func parseZone(tok string) (*time.Location, bool) {
	low := strings.ToLower(tok)
	switch low {
	case "utc", "gmt", "z":
		return time.UTC, true
	}
	if m := reUTCOffset.FindStringSubmatch(low); m != nil {
		low = m[1]
	}
	if m := reOffset.FindStringSubmatch(low); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, false
		}
		off := h*3600 + mins*60
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(tok, off), true
	}
	if strings.Contains(tok, "/") {
		if l, err := time.LoadLocation(tok); err == nil {
			return l, true
		}
	}
	return nil, false
}

var quotePairs = map[rune]rune{'"': '"', '\'': '\'', '“': '”', '‘': '’', '«': '»'}

func cleanPayload(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, ":-–")
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	first, fw := utf8.DecodeRuneInString(s)
	last, lw := utf8.DecodeLastRuneInString(s)
	if closing, ok := quotePairs[first]; ok && last == closing && len(s) >= fw+lw {
		s = strings.TrimSpace(s[fw : len(s)-lw])
	}
	return s
}

package callout

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var posted = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func item(text string) RawItem {
	return RawItem{
		Position:  7,
		SourceRef: "telegram:-100:42",
		Author:    "@alice",
		Text:      text,
		PostedAt:  posted,
	}
}

func TestParseRelative(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{})
	tests := []struct {
		name    string
		text    string
		after   time.Duration
		payload string
	}{
		{name: "in hours", text: "!remindme in 2 hours", after: 2 * time.Hour},
		{name: "quoted payload", text: `!remindme in 2 hours "base 5"`, after: 2 * time.Hour, payload: "base 5"},
		{name: "compact", text: "!remindme 2h30m attack base 3", after: 150 * time.Minute, payload: "attack base 3"},
		{name: "comma list", text: "!remindme 1 day, 3 hours donate troops", after: 27 * time.Hour, payload: "donate troops"},
		{name: "and list", text: "!remindme 3 days and 4 hours", after: 76 * time.Hour},
		{name: "abbrev", text: "!remindme in 45 min war ends", after: 45 * time.Minute, payload: "war ends"},
		{name: "weeks", text: "!remindme 1w", after: 7 * 24 * time.Hour},
		{name: "case insensitive marker", text: "hey !RemindMe in 10 MINUTES upgrade", after: 10 * time.Minute, payload: "upgrade"},
		{name: "number in payload", text: "!remindme in 2 hours 5 bases left", after: 2 * time.Hour, payload: "5 bases left"},
		{name: "trailing and in payload", text: "!remindme 2h and attack", after: 2 * time.Hour, payload: "and attack"},
		{name: "colon payload", text: "!remindme 1h: check clan games", after: time.Hour, payload: "check clan games"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := p.Parse(item(tt.text))
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.text, err)
			}
			if want := posted.Add(tt.after); !d.FireAt.Equal(want) {
				t.Fatalf("FireAt = %s, want %s", d.FireAt, want)
			}
			if d.Payload != tt.payload {
				t.Fatalf("Payload = %q, want %q", d.Payload, tt.payload)
			}
			if d.Kind != KindReminder || d.RequestedBy != "@alice" || d.SourceRef != "telegram:-100:42" {
				t.Fatalf("unexpected draft: %+v", d)
			}
		})
	}
}

func TestParseAbsolute(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	p := NewParser(ParserConfig{})
	tests := []struct {
		name    string
		text    string
		posted  time.Time
		want    time.Time
		payload string
	}{
		{
			name:   "later today",
			text:   "!remindme at 18:00 war",
			posted: posted,
			want:   time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), payload: "war",
		},
		{
			name:   "rolls to tomorrow",
			text:   "!remindme at 09:30",
			posted: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			want:   time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "same minute rolls",
			text:   "!remindme at 10:00",
			posted: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			want:   time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "pm",
			text:   "!remindme at 6:30pm attack",
			posted: posted,
			want:   time.Date(2024, 1, 1, 18, 30, 0, 0, time.UTC), payload: "attack",
		},
		{
			name:   "separate meridiem",
			text:   "!remindme at 6 pm",
			posted: posted,
			want:   time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC),
		},
		{
			name:   "midnight am",
			text:   "!remindme at 12am",
			posted: time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC),
			want:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "numeric offset",
			text:   "!remindme at 18:00 +02:00 ping",
			posted: posted,
			want:   time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC), payload: "ping",
		},
		{
			name:   "utc offset",
			text:   "!remindme at 03:00 UTC-5",
			posted: posted,
			want:   time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			name:   "iana zone",
			text:   "!remindme at 09:15 Europe/Berlin",
			posted: posted,
			want:   time.Date(2024, 1, 1, 9, 15, 0, 0, berlin),
		},
		{
			name:   "date and time",
			text:   `!remindme at 2024-03-01 18:00 UTC "season end"`,
			posted: posted,
			want:   time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC), payload: "season end",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			it := item(tt.text)
			it.PostedAt = tt.posted
			d, err := p.Parse(it)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.text, err)
			}
			if !d.FireAt.Equal(tt.want) {
				t.Fatalf("FireAt = %s, want %s", d.FireAt, tt.want)
			}
			if d.FireAt.Location() != time.UTC {
				t.Fatalf("FireAt location = %s, want UTC", d.FireAt.Location())
			}
			if d.Payload != tt.payload {
				t.Fatalf("Payload = %q, want %q", d.Payload, tt.payload)
			}
		})
	}
}

func TestParseDefaultLocation(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{Location: time.FixedZone("ICT", 7*3600)})
	d, err := p.Parse(item("!remindme at 08:00"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	// 00:00Z is 07:00 ICT, so 08:00 ICT is one hour later.
	if want := posted.Add(time.Hour); !d.FireAt.Equal(want) {
		t.Fatalf("FireAt = %s, want %s", d.FireAt, want)
	}
}

func TestParseRejections(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{MaxPayloadLen: 10, MaxHorizon: 30 * 24 * time.Hour})
	tests := []struct {
		name   string
		text   string
		author string
		reason Reason
	}{
		{name: "no marker", text: "see you in 2 hours", reason: ReasonNotCommand},
		{name: "marker inside word", text: "x!remindme 2h", reason: ReasonNotCommand},
		{name: "no author", text: "!remindme 2h", author: " ", reason: ReasonMissingInvoker},
		{name: "marker only", text: "!remindme", reason: ReasonMalformed},
		{name: "garbage", text: "!remindme whenever you like", reason: ReasonMalformed},
		{name: "unknown unit", text: "!remindme 3 fortnights", reason: ReasonMalformed},
		{name: "bare hour", text: "!remindme at 18 war", reason: ReasonMalformed},
		{name: "bad hour", text: "!remindme at 25:00", reason: ReasonMalformed},
		{name: "bad minute", text: "!remindme at 10:75", reason: ReasonMalformed},
		{name: "bad meridiem hour", text: "!remindme at 13pm", reason: ReasonMalformed},
		{name: "bad date", text: "!remindme at 2024-02-30 10:00", reason: ReasonMalformed},
		{name: "duplicate unit", text: "!remindme 1h 2h", reason: ReasonAmbiguous},
		{name: "duplicate unit compact", text: "!remindme 1h2h", reason: ReasonAmbiguous},
		{name: "zero", text: "!remindme in 0 minutes", reason: ReasonPast},
		{name: "past date", text: "!remindme at 2023-12-31 23:00", reason: ReasonPast},
		{name: "posted instant", text: "!remindme at 2024-01-01 00:00 UTC", reason: ReasonPast},
		{name: "beyond horizon", text: "!remindme 31 days", reason: ReasonBeyondHorizon},
		{name: "overflow", text: "!remindme 99999999999999 weeks", reason: ReasonBeyondHorizon},
		{name: "payload too long", text: "!remindme 1h 12345678901", reason: ReasonPayloadTooLong},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			it := item(tt.text)
			if tt.author != "" {
				it.Author = tt.author
			}
			_, err := p.Parse(it)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want %s", tt.text, tt.reason)
			}
			var pf *ParseFailure
			if !errors.As(err, &pf) {
				t.Fatalf("error %T is not *ParseFailure", err)
			}
			if pf.Reason != tt.reason {
				t.Fatalf("Reason = %s, want %s (%v)", pf.Reason, tt.reason, err)
			}
		})
	}
}

func TestParsePayloadLimitCountsCharacters(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{MaxPayloadLen: 5})
	d, err := p.Parse(item("!remindme 1h ÄÖÜßé"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if d.Payload != "ÄÖÜßé" {
		t.Fatalf("Payload = %q", d.Payload)
	}
}

func TestParseIgnoresWallClock(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{})
	old := item("!remindme in 2 hours")
	old.PostedAt = time.Date(2001, 5, 6, 7, 8, 0, 0, time.UTC)
	d, err := p.Parse(old)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if want := old.PostedAt.Add(2 * time.Hour); !d.FireAt.Equal(want) {
		t.Fatalf("FireAt = %s, want %s", d.FireAt, want)
	}
}

func TestParseFailureFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reason    Reason
		silent    bool
		replyable bool
	}{
		{ReasonNotCommand, true, false},
		{ReasonMissingInvoker, false, false},
		{ReasonMalformed, false, true},
		{ReasonPast, false, true},
		{ReasonPayloadTooLong, false, true},
	}
	for _, tt := range tests {
		pf := &ParseFailure{Reason: tt.reason}
		if pf.Silent() != tt.silent || pf.Replyable() != tt.replyable {
			t.Fatalf("%s: Silent=%v Replyable=%v", tt.reason, pf.Silent(), pf.Replyable())
		}
	}
}

func TestHintDraft(t *testing.T) {
	t.Parallel()
	p := NewParser(ParserConfig{})
	it := item("!remindme whenever")
	_, err := p.Parse(it)
	pf, ok := AsParseFailure(err)
	if !ok {
		t.Fatalf("expected ParseFailure, got %v", err)
	}
	d := p.HintDraft(it, pf)
	if d.Kind != KindHint {
		t.Fatalf("Kind = %s, want hint", d.Kind)
	}
	if !d.FireAt.Equal(posted) {
		t.Fatalf("FireAt = %s, want %s", d.FireAt, posted)
	}
	if d.SourceRef != it.SourceRef {
		t.Fatalf("SourceRef = %q", d.SourceRef)
	}
	if !strings.HasPrefix(d.Payload, "@alice") || !strings.Contains(d.Payload, DefaultMarker) {
		t.Fatalf("unexpected hint payload %q", d.Payload)
	}
}

func TestCalloutDue(t *testing.T) {
	t.Parallel()
	fire := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	c := Callout{State: StatePending, FireAt: fire}
	if c.Due(fire.Add(-time.Minute)) {
		t.Fatal("due before FireAt")
	}
	if !c.Due(fire.Add(time.Second)) {
		t.Fatal("not due after FireAt")
	}
	c.NextAttemptAt = fire.Add(time.Hour)
	if c.Due(fire.Add(time.Minute)) {
		t.Fatal("due before NextAttemptAt")
	}
	c.State = StateDelivered
	if c.Due(fire.Add(2 * time.Hour)) {
		t.Fatal("terminal callout reported due")
	}
}

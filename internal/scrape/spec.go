package scrape

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a refresh schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// Spec is a parsed refresh schedule.
//
// Supported forms:
//   - Cron: "cron:*/30 * * * *", or bare crontab/descriptor syntax
//     ("30 4 * * *", "@daily"); 6-field specs with seconds also work.
//   - Interval: "every:24h" or "interval:90m" (Go durations), or a bare
//     duration like "12h".
//   - Daily local time: bare "HH:MM", e.g. "04:30" runs once a day at 04:30.
type Spec struct {
	Kind  SpecKind
	Cron  cron.Schedule
	Every time.Duration
	At    int // minutes since local midnight, SpecDaily only

	raw string
}

func (sp Spec) String() string { return sp.raw }

// cronParser allows both 5-field and 6-field (with seconds) expressions
// plus @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var dailyRE = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseSchedule parses a refresh schedule string. The zero string is an
// error; the caller owns defaulting.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(s, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s, strings.TrimSpace(s[len("interval:"):]))
	}

	// Bare forms: whitespace or a leading '@' reads as cron, HH:MM as a
	// daily time, anything else as a Go duration.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, s)
	}
	if m := dailyRE.FindStringSubmatch(s); m != nil {
		var h int
		for i := 0; i < len(m[1]); i++ {
			h = h*10 + int(m[1][i]-'0')
		}
		min := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		return Spec{Kind: SpecDaily, At: h*60 + min, raw: s}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: SpecInterval, Every: d, raw: s}, nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron:'*/30 * * * *', every:24h, or a daily time like 04:30)", raw)
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: sched, raw: raw}, nil
}

func parseEvery(raw, v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q (use a Go duration like '45m' or '24h'): %w", v, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: SpecInterval, Every: d, raw: raw}, nil
}

// Next returns the first run time strictly after t.
func (sp Spec) Next(t time.Time) time.Time {
	switch sp.Kind {
	case SpecCron:
		return sp.Cron.Next(t)
	case SpecDaily:
		at := time.Date(t.Year(), t.Month(), t.Day(), sp.At/60, sp.At%60, 0, 0, t.Location())
		if !at.After(t) {
			at = at.AddDate(0, 0, 1)
		}
		return at
	default:
		return t.Add(sp.Every)
	}
}

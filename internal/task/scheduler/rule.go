package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Rule is the next-occurrence oracle of a task. A zero time means the rule
// has no further occurrence.
type Rule interface {
	Next(after time.Time) time.Time
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Calendar sugar: "daily 09:00", "weekly mon 09:00", "monthly 15 09:00"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "daily" | "weekly" | "monthly" | "duration" | "hhmm"
}

// ParsedRule is a schedule string resolved to an oracle in a location.
type ParsedRule struct {
	Rule
	Spec ParsedSpec
	Raw  string
}

// ParseRule parses raw and binds it to loc. Interval rules are anchored to
// local midnight (or a fixed epoch for intervals of a day or more) so the
// same occurrences are produced no matter when the process started.
func ParseRule(raw string, loc *time.Location) (ParsedRule, error) {
	if loc == nil {
		loc = time.Local
	}
	ps, err := ParseSchedule(raw)
	if err != nil {
		return ParsedRule{}, err
	}
	pr := ParsedRule{Spec: ps, Raw: strings.TrimSpace(raw)}
	switch ps.Kind {
	case SpecCron:
		sched, err := cronParser.Parse(ps.Cron)
		if err != nil {
			return ParsedRule{}, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
		if every, ok := sched.(cron.ConstantDelaySchedule); ok {
			pr.Rule = intervalRule{every: every.Delay, loc: loc}
			return pr, nil
		}
		pr.Rule = cronRule{sched: sched, loc: loc}
	case SpecInterval:
		pr.Rule = intervalRule{every: ps.Every, loc: loc}
	default:
		return ParsedRule{}, fmt.Errorf("unsupported schedule kind")
	}
	return pr, nil
}

type cronRule struct {
	sched cron.Schedule
	loc   *time.Location
}

// Next evaluates in the rule location unless the expression carried its own TZ=.
func (r cronRule) Next(after time.Time) time.Time { return r.sched.Next(after.In(r.loc)) }

type intervalRule struct {
	every time.Duration
	loc   *time.Location
}

var intervalEpoch = time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC) // a Monday

func (r intervalRule) Next(after time.Time) time.Time {
	if r.every <= 0 {
		return time.Time{}
	}
	t := after.In(r.loc)
	var anchor time.Time
	if r.every >= 24*time.Hour {
		anchor = time.Date(intervalEpoch.Year(), intervalEpoch.Month(), intervalEpoch.Day(), 0, 0, 0, 0, r.loc)
	} else {
		anchor = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
	}
	k := t.Sub(anchor)/r.every + 1
	next := anchor.Add(k * r.every)
	if r.every < 24*time.Hour {
		midnight := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, r.loc)
		if !next.Before(midnight) {
			next = midnight
		}
	}
	return next
}

var (
	reDaily   = regexp.MustCompile(`(?i)^daily\s+(\d{1,2}:\d{2})$`)
	reWeekly  = regexp.MustCompile(`(?i)^weekly\s+([a-z]{3,9})\s+(\d{1,2}:\d{2})$`)
	reMonthly = regexp.MustCompile(`(?i)^monthly\s+(\d{1,2})\s+(\d{1,2}:\d{2})$`)
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseCalendar turns "daily/weekly/monthly" sugar into a cron spec.
func parseCalendar(s string) (ParsedSpec, bool, error) {
	if m := reDaily.FindStringSubmatch(s); m != nil {
		h, mi, err := parseHHMM(m[1])
		if err != nil {
			return ParsedSpec{}, true, err
		}
		return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", mi, h), Source: "daily"}, true, nil
	}
	if m := reWeekly.FindStringSubmatch(s); m != nil {
		wd, ok := weekdays[strings.ToLower(m[1])]
		if !ok {
			return ParsedSpec{}, true, fmt.Errorf("invalid weekday %q", m[1])
		}
		h, mi, err := parseHHMM(m[2])
		if err != nil {
			return ParsedSpec{}, true, err
		}
		return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * %d", mi, h, int(wd)), Source: "weekly"}, true, nil
	}
	if m := reMonthly.FindStringSubmatch(s); m != nil {
		dom, _ := strconv.Atoi(m[1])
		if dom < 1 || dom > 31 {
			return ParsedSpec{}, true, fmt.Errorf("invalid day of month %q", m[1])
		}
		h, mi, err := parseHHMM(m[2])
		if err != nil {
			return ParsedSpec{}, true, err
		}
		return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d %d * *", mi, h, dom), Source: "monthly"}, true, nil
	}
	return ParsedSpec{}, false, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into either a cron expression or an interval duration.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	if strings.HasPrefix(low, "interval:") {
		v := strings.TrimSpace(s[len("interval:"):])
		d, src, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
	}
	if strings.HasPrefix(low, "every:") {
		v := strings.TrimSpace(s[len("every:"):])
		d, src, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
	}

	if ps, ok, err := parseCalendar(s); ok {
		return ps, err
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, _, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	// - Go duration => interval duration
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', 'daily 09:00', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, _, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("invalid HH:MM %q", v)
	}
	// safe parse: hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	var mm int
	mm = int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm < 0 || mm > 59 {
		return 0, "", fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "hhmm", nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

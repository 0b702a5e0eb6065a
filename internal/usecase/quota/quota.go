// Package quota detects vendor usage-limit messages in subagent output and
// computes how long to sleep until the reported reset time.
//
// Two message dialects are recognized and deliberately kept asymmetric:
// the "resets" dialect carries a zoned time-of-day, the "try again"
// dialect carries a full local wall-clock timestamp. Callers decide
// wait-vs-raise policy; this package only detects and computes.
package quota

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultSleep is the contractual fallback applied when a limit phrase is
// detected but no reset time can be parsed from the message. Callers
// implementing a wait policy rely on this exact value.
const DefaultSleep = 5 * time.Minute

// Source tags which message dialect matched.
type Source string

const (
	SourceNone     Source = ""
	SourceResets   Source = "resets"    // "You've hit your limit · resets 8pm (America/Toronto)"
	SourceTryAgain Source = "try_again" // "You've hit your usage limit. ... try again at Feb 4th, 2026 1:50 AM."
)

// Info is the result of one detection call.
type Info struct {
	Detected      bool
	Source        Source
	Message       string
	ResetTime     *time.Time
	Timezone      string // zone name verbatim, or "local" when the message carries no explicit zone
	SleepDuration time.Duration
}

// Detector parses usage-limit messages. The zero value is not usable;
// construct with New. The clock is injectable so sleep computations are
// deterministic under test.
type Detector struct {
	now func() time.Time
}

// New creates a Detector using the real clock.
func New() *Detector {
	return &Detector{now: time.Now}
}

// Detect runs the default detector. See Detector.Detect.
func Detect(message string) Info {
	return New().Detect(message)
}

var (
	// "resets 8pm (America/Toronto)", "resets 11:30am (UTC)"; the zone is optional.
	resetsAtPattern = regexp.MustCompile(`(?i)resets\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)(?:\s*\(([^)]+)\))?`)

	// "try again at Feb 4th, 2026 1:50 AM" / "try again at February 4, 2026 1:50 am".
	tryAgainPattern = regexp.MustCompile(`(?i)try again at\s+([A-Za-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s*(\d{4})\s+(\d{1,2}):(\d{2})\s*(am|pm)`)
)

// months maps lowercase 3-letter prefixes; both "Feb" and "February" resolve.
var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Detect scans message for a usage-limit phrase and, when found, extracts
// the reset time and computes a non-negative sleep duration. It is total:
// empty or unrecognized input returns Detected=false, never an error.
func (d *Detector) Detect(message string) Info {
	if message == "" {
		return Info{}
	}

	// Tolerate a stripped apostrophe ("You've" vs "Youve").
	normalized := strings.ToLower(strings.ReplaceAll(message, "'", ""))

	// The usage-limit phrase contains the plain limit phrase, so it must
	// be checked first.
	switch {
	case strings.Contains(normalized, "hit your usage limit"):
		return d.detectTryAgain(message)
	case strings.Contains(normalized, "hit your limit"):
		return d.detectResets(message)
	default:
		return Info{}
	}
}

// detectResets handles the "resets <h>[:<mm>](am|pm) (<zone>)" dialect.
// The reported time is a time-of-day in the named zone; if the zone name
// is not a loadable location the computation silently falls back to local
// time, but the zone label is still passed through verbatim.
func (d *Detector) detectResets(message string) Info {
	info := Info{Detected: true, Source: SourceResets, Message: message, SleepDuration: DefaultSleep}

	m := resetsAtPattern.FindStringSubmatch(message)
	if m == nil {
		return info
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	hour = to24Hour(hour, m[3])
	if hour < 0 || hour > 23 || minute > 59 {
		return info
	}

	zone := strings.TrimSpace(m[4])
	loc := time.Local
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
		info.Timezone = zone
	} else {
		info.Timezone = "local"
	}

	now := d.now()
	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	// A reset at or before the current instant means the next occurrence
	// is tomorrow.
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}

	info.ResetTime = &reset
	info.SleepDuration = nonNegative(reset.Sub(now))
	return info
}

// detectTryAgain handles the "try again at <Month> <day><suffix>, <year>
// <h>:<mm> (AM|PM)" dialect. The reported time is always interpreted as
// local wall-clock time; no zone conversion is applied.
func (d *Detector) detectTryAgain(message string) Info {
	info := Info{Detected: true, Source: SourceTryAgain, Message: message, SleepDuration: DefaultSleep}

	m := tryAgainPattern.FindStringSubmatch(message)
	if m == nil {
		return info
	}

	monthKey := strings.ToLower(m[1])
	if len(monthKey) > 3 {
		monthKey = monthKey[:3]
	}
	month, ok := months[monthKey]
	if !ok {
		return info
	}

	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	hour = to24Hour(hour, m[6])
	if day < 1 || day > 31 || hour < 0 || hour > 23 || minute > 59 {
		return info
	}

	reset := time.Date(year, month, day, hour, minute, 0, 0, time.Local)
	info.ResetTime = &reset
	info.Timezone = "local"
	info.SleepDuration = nonNegative(reset.Sub(d.now()))
	return info
}

// to24Hour applies 12-hour clock rules: 12am is hour 0, 12pm stays 12,
// other pm hours add 12.
func to24Hour(hour int, meridiem string) int {
	switch strings.ToLower(meridiem) {
	case "am":
		if hour == 12 {
			return 0
		}
	case "pm":
		if hour != 12 {
			return hour + 12
		}
	}
	return hour
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// FormatDuration renders a duration for human-readable wait messages.
// Partial seconds round up, so any non-zero duration reads at least "1s".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int64(math.Ceil(d.Seconds()))
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ParsedSchedule is the result of interpreting a schedule write: either
// a one-shot instant or a recurring cron expression plus its first
// computed firing.
type ParsedSchedule struct {
	Recurring bool
	At        time.Time // UTC; populated when !Recurring
	Cron      string    // 5-field Unix cron; populated when Recurring
	Next      time.Time // UTC; first computed firing, populated when Recurring
}

var relativeTimePattern = regexp.MustCompile(`^in\s+(\d+)\s+(minute|minutes|min|mins|hour|hours|hr|hrs|day|days)$`)

// ParseTimeExpression interprets input as a pre-validated cron
// expression, an RFC3339 timestamp, or a natural-language phrase, per
// spec §4.5. tz is the configured IANA timezone used both to resolve
// recurring crons and to anchor the "otherwise" one-shot phrase bucket.
func ParseTimeExpression(input, tz string) (ParsedSchedule, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	trimmed = strings.ReplaceAll(trimmed, "everyday", "every day")
	if trimmed == "" {
		return ParsedSchedule{}, fmt.Errorf("empty schedule expression")
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	if raw := strings.TrimSpace(input); len(strings.Fields(raw)) == 5 && ValidateCron(raw) {
		next, err := NextCronFireInTZ(raw, loc, time.Now().UTC())
		if err != nil {
			return ParsedSchedule{}, err
		}
		return ParsedSchedule{Recurring: true, Cron: raw, Next: next}, nil
	}

	if strings.HasPrefix(trimmed, "every ") {
		cron, err := parseRecurring(strings.TrimPrefix(trimmed, "every "))
		if err != nil {
			return ParsedSchedule{}, err
		}
		next, err := NextCronFireInTZ(cron, loc, time.Now().UTC())
		if err != nil {
			return ParsedSchedule{}, err
		}
		return ParsedSchedule{Recurring: true, Cron: cron, Next: next}, nil
	}

	if m := relativeTimePattern.FindStringSubmatch(trimmed); m != nil {
		amount, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch m[2] {
		case "minute", "minutes", "min", "mins":
			d = time.Duration(amount) * time.Minute
		case "hour", "hours", "hr", "hrs":
			d = time.Duration(amount) * time.Hour
		case "day", "days":
			d = time.Duration(amount) * 24 * time.Hour
		}
		return ParsedSchedule{At: time.Now().UTC().Add(d)}, nil
	}

	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(input)); err == nil {
		if !ts.After(time.Now().UTC()) {
			return ParsedSchedule{}, fmt.Errorf("scheduled time must be in the future")
		}
		return ParsedSchedule{At: ts.UTC()}, nil
	}

	at, err := parseOneShotPhrase(trimmed, loc)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf("could not parse time expression %q: %w", input, err)
	}
	if !at.After(time.Now().UTC()) {
		return ParsedSchedule{}, fmt.Errorf("scheduled time must be in the future")
	}
	return ParsedSchedule{At: at}, nil
}

// parseRecurring turns the text following "every " into a 5-field cron
// expression, per spec §4.5's recurring-prefix grammar.
func parseRecurring(rest string) (string, error) {
	switch {
	case rest == "hour" || rest == "hourly":
		return "0 * * * *", nil
	case rest == "day" || rest == "daily":
		return "0 9 * * *", nil
	case strings.HasPrefix(rest, "day at ") || strings.HasPrefix(rest, "day "):
		timePart := strings.TrimPrefix(strings.TrimPrefix(rest, "day at "), "day ")
		if timePart == rest {
			timePart = "9am"
		}
		hour, minute, err := parseTimeOfDay(timePart)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case rest == "morning":
		return "0 8 * * *", nil
	case strings.HasPrefix(rest, "morning "):
		return dailyAt(strings.TrimPrefix(rest, "morning "))
	case rest == "afternoon":
		return "0 14 * * *", nil
	case strings.HasPrefix(rest, "afternoon "):
		return dailyAt(strings.TrimPrefix(rest, "afternoon "))
	case rest == "evening":
		return "0 18 * * *", nil
	case strings.HasPrefix(rest, "evening "):
		return dailyAt(strings.TrimPrefix(rest, "evening "))
	case rest == "night":
		return "0 21 * * *", nil
	case strings.HasPrefix(rest, "night "):
		return dailyAt(strings.TrimPrefix(rest, "night "))
	case strings.HasSuffix(rest, " minutes"):
		return intervalCron(strings.TrimSuffix(rest, " minutes"), 1, 59, "*/%d * * * *")
	case strings.HasSuffix(rest, " hours"):
		return intervalCron(strings.TrimSuffix(rest, " hours"), 1, 23, "0 */%d * * *")
	default:
		return parseWeekdayTime(rest)
	}
}

func dailyAt(timePart string) (string, error) {
	hour, minute, err := parseTimeOfDay(strings.TrimSpace(timePart))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

func intervalCron(numStr string, min, max int, format string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(numStr))
	if err != nil {
		return "", fmt.Errorf("invalid interval value %q", numStr)
	}
	if n < min || n > max {
		return "", fmt.Errorf("interval must be between %d and %d", min, max)
	}
	return fmt.Sprintf(format, n), nil
}

var weekdayCronDays = map[string]string{
	"monday": "MON", "mon": "MON",
	"tuesday": "TUE", "tue": "TUE", "tues": "TUE",
	"wednesday": "WED", "wed": "WED",
	"thursday": "THU", "thu": "THU", "thur": "THU", "thurs": "THU",
	"friday": "FRI", "fri": "FRI",
	"saturday": "SAT", "sat": "SAT",
	"sunday": "SUN", "sun": "SUN",
	"weekday": "MON-FRI", "weekdays": "MON-FRI",
	"weekend": "SAT,SUN", "weekends": "SAT,SUN",
}

// parseWeekdayTime parses "monday 8am", "fri 2pm", "weekdays 9am" into
// a 5-field cron.
func parseWeekdayTime(rest string) (string, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty recurring pattern")
	}
	dow, ok := weekdayCronDays[fields[0]]
	if !ok {
		return "", fmt.Errorf("unknown day %q; use monday, tuesday, ..., weekday, weekend", fields[0])
	}
	hour, minute := 9, 0
	if len(fields) > 1 {
		var err error
		hour, minute, err = parseTimeOfDay(strings.Join(fields[1:], ""))
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

// parseTimeOfDay accepts "8am", "8 am", "8:00am", "14:30", or a bare
// hour, per spec §4.5.
func parseTimeOfDay(input string) (hour, minute int, err error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch {
	case strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm"):
		isPM := strings.HasSuffix(s, "pm")
		body := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "am"), "pm"))
		if strings.Contains(body, ":") {
			parts := strings.SplitN(body, ":", 2)
			hour, err = strconv.Atoi(parts[0])
			if err != nil {
				return 0, 0, fmt.Errorf("invalid hour in %q", input)
			}
			minute, err = strconv.Atoi(parts[1])
			if err != nil {
				return 0, 0, fmt.Errorf("invalid minute in %q", input)
			}
		} else {
			hour, err = strconv.Atoi(body)
			if err != nil {
				return 0, 0, fmt.Errorf("invalid hour in %q", input)
			}
		}
		if isPM && hour < 12 {
			hour += 12
		} else if !isPM && hour == 12 {
			hour = 0
		}
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		hour, err = strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid hour in %q", input)
		}
		minute, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid minute in %q", input)
		}
	default:
		hour, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid hour in %q", input)
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q: hour must be 0-23, minute 0-59", input)
	}
	return hour, minute, nil
}

// parseOneShotPhrase handles the spec's "otherwise" bucket: a handful
// of common one-shot phrases anchored to loc. No natural-language date
// library appears anywhere in the retrieval pack (see DESIGN.md), so
// this deliberately covers only the phrasings spec §8 exercises rather
// than attempting open-ended NL parsing.
func parseOneShotPhrase(s string, loc *time.Location) (time.Time, error) {
	now := time.Now().In(loc)

	switch {
	case s == "today" || strings.HasPrefix(s, "today "):
		timePart := strings.TrimSpace(strings.TrimPrefix(s, "today"))
		return atTimeOfDay(now, timePart, loc)
	case s == "tomorrow" || strings.HasPrefix(s, "tomorrow "):
		timePart := strings.TrimSpace(strings.TrimPrefix(s, "tomorrow"))
		return atTimeOfDay(now.AddDate(0, 0, 1), timePart, loc)
	}

	fields := strings.Fields(s)
	if len(fields) > 0 {
		if dow, ok := weekdayOrdinal[fields[0]]; ok {
			timePart := ""
			if len(fields) > 1 {
				timePart = strings.Join(fields[1:], "")
			}
			target := nextWeekday(now, dow)
			return atTimeOfDay(target, timePart, loc)
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized phrase; try 'in 2 hours', 'tomorrow 9am', 'every monday 8am'")
}

var weekdayOrdinal = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func nextWeekday(from time.Time, target time.Weekday) time.Time {
	delta := (int(target) - int(from.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7 // "monday" spoken on a Monday means next Monday
	}
	return from.AddDate(0, 0, delta)
}

func atTimeOfDay(day time.Time, timePart string, loc *time.Location) (time.Time, error) {
	hour, minute := 9, 0
	if timePart != "" {
		var err error
		hour, minute, err = parseTimeOfDay(timePart)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc).UTC(), nil
}

// ValidateCron reports whether expr is a well-formed 5-field cron
// expression, used to reject bad input at the write edge (spec §4.5).
func ValidateCron(expr string) bool {
	return gronx.IsValid(expr)
}

// NextCronFireInTZ computes the next firing of a 5-field cron
// expression strictly after "after", evaluated in loc and converted
// back to UTC for storage — the single predicate both the write path
// and the rearm path (scheduler.go) call through.
func NextCronFireInTZ(expr string, loc *time.Location, after time.Time) (time.Time, error) {
	if !gronx.IsValid(expr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", expr)
	}
	local := after.In(loc)
	next, err := gronx.NextTickAfter(expr, local, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not compute next execution for %q: %w", expr, err)
	}
	return next.UTC(), nil
}

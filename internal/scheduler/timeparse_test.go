package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelativeTimeExpressions(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  time.Duration
	}{
		{"in 5 minutes", 5 * time.Minute},
		{"in 1 min", time.Minute},
		{"in 2 hours", 2 * time.Hour},
		{"in 3 hrs", 3 * time.Hour},
		{"in 1 day", 24 * time.Hour},
	} {
		parsed, err := ParseTimeExpression(tc.input, "UTC")
		require.NoError(t, err, tc.input)
		assert.False(t, parsed.Recurring, tc.input)
		assert.WithinDuration(t, time.Now().UTC().Add(tc.want), parsed.At, 2*time.Second, tc.input)
	}
}

func TestParseRecurringFixedPhrases(t *testing.T) {
	for _, tc := range []struct {
		input string
		cron  string
	}{
		{"every hour", "0 * * * *"},
		{"every hourly", "0 * * * *"},
		{"every day", "0 9 * * *"},
		{"every daily", "0 9 * * *"},
		{"every morning", "0 8 * * *"},
		{"every afternoon", "0 14 * * *"},
		{"every evening", "0 18 * * *"},
		{"every night", "0 21 * * *"},
		{"every day at 8am", "0 8 * * *"},
		{"every morning 7:30am", "30 7 * * *"},
		{"every 15 minutes", "*/15 * * * *"},
		{"every 4 hours", "0 */4 * * *"},
		{"every monday 8am", "0 8 * * MON"},
		{"every fri 2pm", "0 14 * * FRI"},
		{"every weekday", "0 9 * * MON-FRI"},
		{"every weekend", "0 9 * * SAT,SUN"},
	} {
		parsed, err := ParseTimeExpression(tc.input, "UTC")
		require.NoError(t, err, tc.input)
		assert.True(t, parsed.Recurring, tc.input)
		assert.Equal(t, tc.cron, parsed.Cron, tc.input)
		assert.False(t, parsed.Next.IsZero(), tc.input)
	}
}

func TestParseRecurringRejectsOutOfRangeIntervals(t *testing.T) {
	_, err := ParseTimeExpression("every 0 minutes", "UTC")
	assert.Error(t, err)

	_, err = ParseTimeExpression("every 60 minutes", "UTC")
	assert.Error(t, err)

	_, err = ParseTimeExpression("every 24 hours", "UTC")
	assert.Error(t, err)
}

func TestParseRecurringRejectsUnknownDay(t *testing.T) {
	_, err := ParseTimeExpression("every someday 9am", "UTC")
	assert.Error(t, err)
}

func TestParseRecurringPermissiveBadTimeOfDayFailsInTimeOfDayParser(t *testing.T) {
	// spec §9: "every night 25:99pm" is rejected by the time-of-day
	// parser itself, not a separate earlier phrase-layer check.
	_, err := ParseTimeExpression("every night 25:99pm", "UTC")
	assert.Error(t, err)
}

func TestParseOneShotRFC3339(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	parsed, err := ParseTimeExpression(future, "UTC")
	require.NoError(t, err)
	assert.False(t, parsed.Recurring)
}

func TestParseOneShotRFC3339InPastRejected(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err := ParseTimeExpression(past, "UTC")
	assert.Error(t, err)
}

func TestParseOneShotPhraseTomorrow(t *testing.T) {
	parsed, err := ParseTimeExpression("tomorrow 9am", "UTC")
	require.NoError(t, err)
	assert.False(t, parsed.Recurring)
	assert.True(t, parsed.At.After(time.Now().UTC()))
}

func TestParseOneShotBareWeekday(t *testing.T) {
	parsed, err := ParseTimeExpression("monday 8am", "UTC")
	require.NoError(t, err)
	assert.False(t, parsed.Recurring)
	assert.Equal(t, time.Monday, parsed.At.Weekday())
	assert.True(t, parsed.At.After(time.Now().UTC()))
}

func TestParseOneShotUnrecognizedPhraseRejected(t *testing.T) {
	_, err := ParseTimeExpression("whenever works for you", "UTC")
	assert.Error(t, err)
}

func TestParseTimeOfDayVariants(t *testing.T) {
	for _, tc := range []struct {
		input      string
		hour, min  int
	}{
		{"8am", 8, 0},
		{"8 am", 8, 0},
		{"8:00am", 8, 0},
		{"8:15pm", 20, 15},
		{"14:30", 14, 30},
		{"9", 9, 0},
		{"12am", 0, 0},
		{"12pm", 12, 0},
	} {
		hour, minute, err := parseTimeOfDay(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.hour, hour, tc.input)
		assert.Equal(t, tc.min, minute, tc.input)
	}
}

func TestInvalidTimezoneRejected(t *testing.T) {
	_, err := ParseTimeExpression("every hour", "Not/A_Zone")
	assert.Error(t, err)
}

func TestValidateCron(t *testing.T) {
	assert.True(t, ValidateCron("0 9 * * *"))
	assert.False(t, ValidateCron("not a cron"))
}

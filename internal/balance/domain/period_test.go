package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	jan31 := time.Date(2025, time.January, 31, 9, 30, 0, 0, time.UTC)

	feb := AddMonths(jan31, 1, 31)
	assert.Equal(t, time.Date(2025, time.February, 28, 9, 30, 0, 0, time.UTC), feb)

	mar := AddMonths(feb, 1, 31)
	assert.Equal(t, time.Date(2025, time.March, 31, 9, 30, 0, 0, time.UTC), mar)
}

func TestAddMonthsLeapYear(t *testing.T) {
	jan30 := time.Date(2024, time.January, 30, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), AddMonths(jan30, 1, 30))
}

func TestAddMonthsAcrossYear(t *testing.T) {
	dec15 := time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), AddMonths(dec15, 1, 15))
	assert.Equal(t, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC), AddMonths(dec15, 3, 15))
}

func TestAddMonthsDefaultsAnchorToDay(t *testing.T) {
	start := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, time.May, 10, 0, 0, 0, 0, time.UTC), AddMonths(start, 1, 0))
}

func TestLedgerErrorUnwraps(t *testing.T) {
	err := Wrap("reserve", 42, "job-1", ErrInsufficientBalance)

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "reserve company=42 job=job-1: insufficient_balance", err.Error())
	assert.Same(t, err, Wrap("capture", 42, "job-1", err))
	assert.NoError(t, Wrap("noop", 1, "", nil))
}

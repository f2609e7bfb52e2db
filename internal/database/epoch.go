package database

import (
	"database/sql"
	"math"
	"time"
)

// ToEpoch converts t to fractional epoch seconds.
func ToEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromEpoch converts fractional epoch seconds back to a UTC time with
// microsecond precision.
func FromEpoch(secs float64) time.Time {
	return time.UnixMicro(int64(math.Round(secs * 1e6))).UTC()
}

// NullEpoch maps a nil time to SQL NULL.
func NullEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ToEpoch(*t)
}

// FromNullEpoch maps SQL NULL to a nil time.
func FromNullEpoch(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromEpoch(v.Float64)
	return &t
}

// NullString maps "" to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

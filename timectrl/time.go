package timectrl

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime is returned when a time of day cannot be parsed.
var ErrInvalidTime = errors.New("invalid time")

// Time is a simulated time of day, stored as the offset since midnight.
// Values past 24h are allowed for runs crossing midnight.
type Time time.Duration

// ParseTime parses "HH:MM:SS" with an optional fractional second part,
// e.g. "07:00:00" or "07:15:30.25".
func ParseTime(s string) (Time, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("%w: %q: hours", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q: minutes", ErrInvalidTime, s)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || sec < 0 || sec >= 60 {
		return 0, fmt.Errorf("%w: %q: seconds", ErrInvalidTime, s)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + Seconds(sec)
	return Time(d), nil
}

// MustParseTime is ParseTime for literals known to be valid.
func MustParseTime(s string) Time {
	t, err := ParseTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Seconds converts a float number of seconds into a Duration rounded to the
// nanosecond.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Add returns t shifted by d.
func (t Time) Add(d time.Duration) Time { return t + Time(d) }

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration { return time.Duration(t - u) }

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool { return t < u }

// Seconds returns t as a floating point number of seconds since midnight.
func (t Time) Seconds() float64 { return time.Duration(t).Seconds() }

// String renders HH:MM:SS.ff.
func (t Time) String() string {
	d := time.Duration(t)
	neg := d < 0
	if neg {
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d.Seconds()
	out := fmt.Sprintf("%02d:%02d:%05.2f", h, m, sec)
	// 59.999 rounds to "60.00"; carry instead of printing it.
	if strings.HasSuffix(out, ":60.00") {
		return Time(time.Duration(t).Round(time.Second)).String()
	}
	if neg {
		return "-" + out
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (t Time) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Time) UnmarshalText(b []byte) error {
	v, err := ParseTime(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Dt is a duration expressed in calendar-like components.
type Dt struct {
	Days    int     `yaml:"days" json:"days"`
	Hours   int     `yaml:"hours" json:"hours"`
	Minutes int     `yaml:"minutes" json:"minutes"`
	Seconds float64 `yaml:"seconds" json:"seconds"`
}

// Duration converts dt into a time.Duration.
func (dt Dt) Duration() time.Duration {
	return time.Duration(dt.Days)*24*time.Hour +
		time.Duration(dt.Hours)*time.Hour +
		time.Duration(dt.Minutes)*time.Minute +
		Seconds(dt.Seconds)
}

// Mul returns dt scaled by n as a Duration.
func (dt Dt) Mul(n int) time.Duration { return dt.Duration() * time.Duration(n) }

func (dt Dt) String() string {
	return fmt.Sprintf("Dt(days=%d, hours=%d, minutes=%d, seconds=%g)", dt.Days, dt.Hours, dt.Minutes, dt.Seconds)
}

// Package nmos defines the domain vocabulary shared by every component:
// TAI timestamps, API versions, resource types and the Resource model.
package nmos

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// taiUTCOffset is the fixed TAI-UTC offset applied when converting wall-clock
// time. Correct since 2017-01-01; leap-second tables are out of scope.
const taiUTCOffset = 37

// TAI is a timestamp as seconds and nanoseconds since the TAI epoch.
// The zero value is the epoch itself. TAI values double as the store's
// totally ordered logical clock, so exact nanosecond arithmetic matters.
type TAI struct {
	Seconds     int64
	Nanoseconds int64
}

// TAIFromTime converts wall-clock time to TAI.
func TAIFromTime(t time.Time) TAI {
	return TAI{Seconds: t.Unix() + taiUTCOffset, Nanoseconds: int64(t.Nanosecond())}
}

// TAINow returns the current wall-clock time as TAI.
func TAINow() TAI {
	return TAIFromTime(time.Now())
}

// ParseTAI parses the "<seconds>:<nanoseconds>" wire form.
func ParseTAI(s string) (TAI, error) {
	sec, nsec, ok := strings.Cut(s, ":")
	if !ok {
		return TAI{}, fmt.Errorf("invalid timestamp %q: expected <seconds>:<nanoseconds>", s)
	}
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return TAI{}, fmt.Errorf("invalid timestamp seconds %q", sec)
	}
	nsecs, err := strconv.ParseInt(nsec, 10, 64)
	if err != nil || nsecs < 0 || nsecs > 999999999 {
		return TAI{}, fmt.Errorf("invalid timestamp nanoseconds %q", nsec)
	}
	return TAI{Seconds: secs, Nanoseconds: nsecs}, nil
}

// String renders the "<seconds>:<nanoseconds>" wire form.
func (t TAI) String() string {
	return strconv.FormatInt(t.Seconds, 10) + ":" + strconv.FormatInt(t.Nanoseconds, 10)
}

// Time converts back to wall-clock time.
func (t TAI) Time() time.Time {
	return time.Unix(t.Seconds-taiUTCOffset, t.Nanoseconds)
}

// Cmp returns -1, 0 or +1 comparing t against u.
func (t TAI) Cmp(u TAI) int {
	switch {
	case t.Seconds < u.Seconds:
		return -1
	case t.Seconds > u.Seconds:
		return 1
	case t.Nanoseconds < u.Nanoseconds:
		return -1
	case t.Nanoseconds > u.Nanoseconds:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly earlier than u.
func (t TAI) Before(u TAI) bool { return t.Cmp(u) < 0 }

// After reports whether t is strictly later than u.
func (t TAI) After(u TAI) bool { return t.Cmp(u) > 0 }

// IsZero reports whether t is the epoch.
func (t TAI) IsZero() bool { return t.Seconds == 0 && t.Nanoseconds == 0 }

// PlusNanosecond returns the immediate successor of t in the total order.
func (t TAI) PlusNanosecond() TAI {
	n := t.Nanoseconds + 1
	if n > 999999999 {
		return TAI{Seconds: t.Seconds + 1, Nanoseconds: 0}
	}
	return TAI{Seconds: t.Seconds, Nanoseconds: n}
}

// Add offsets t by a duration (used for relative activation times).
func (t TAI) Add(d time.Duration) TAI {
	total := t.Nanoseconds + int64(d)
	secs := t.Seconds + total/1e9
	nsecs := total % 1e9
	if nsecs < 0 {
		nsecs += 1e9
		secs--
	}
	return TAI{Seconds: secs, Nanoseconds: nsecs}
}

// Sub returns t-u as a duration.
func (t TAI) Sub(u TAI) time.Duration {
	return time.Duration((t.Seconds-u.Seconds)*1e9 + (t.Nanoseconds - u.Nanoseconds))
}

// MaxTAI is the greatest representable timestamp, used as an "unbounded"
// paging limit.
var MaxTAI = TAI{Seconds: 1<<63 - 1, Nanoseconds: 999999999}

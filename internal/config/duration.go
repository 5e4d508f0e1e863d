package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Seconds is a duration written either as a bare number of seconds or as a
// Go duration string.
type Seconds struct {
	time.Duration
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	d, err := parseSecondsJSON(b)
	if err != nil {
		return err
	}
	s.Duration = d
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	if s.Duration == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(s.Duration.String())
}

// TTL is the schedule cache lifetime: seconds, a duration string, or
// "disabled".
type TTL struct {
	Disabled bool
	Duration time.Duration
	set      bool
}

// DefaultTTL applies when cache.ttl is omitted.
const DefaultTTL = time.Hour

// Value returns the effective lifetime. A disabled TTL is 0.
func (t TTL) Value() time.Duration {
	switch {
	case t.Disabled:
		return 0
	case !t.set && t.Duration == 0:
		return DefaultTTL
	default:
		return t.Duration
	}
}

func (t *TTL) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(s), "disabled") {
			*t = TTL{Disabled: true, set: true}
			return nil
		}
	}
	d, err := parseSecondsJSON(b)
	if err != nil {
		return err
	}
	if d == 0 {
		return fmt.Errorf(`ttl must be positive or "disabled"`)
	}
	*t = TTL{Duration: d, set: true}
	return nil
}

func (t TTL) MarshalJSON() ([]byte, error) {
	switch {
	case t.Disabled:
		return []byte(`"disabled"`), nil
	case t.Duration == 0:
		return []byte(`""`), nil
	default:
		return json.Marshal(t.Duration.String())
	}
}

func parseSecondsJSON(b []byte) (time.Duration, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return 0, nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return secondsOf(n)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return d, nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %s", b)
	}
	return secondsOf(n)
}

func secondsOf(n float64) (time.Duration, error) {
	if n < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return time.Duration(n * float64(time.Second)), nil
}

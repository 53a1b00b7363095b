package types

import (
	"bytes"
	"strconv"
	"time"
)

// Duration decodes from a Go duration string ("5s") or a number of nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		raw, err := strconv.Unquote(string(data))
		if err != nil {
			return Errorf(ErrInvalidParameter, "duration: %v", err)
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Errorf(ErrInvalidParameter, "duration: %v", err)
		}
		*d = Duration(parsed)
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return Errorf(ErrInvalidParameter, "duration: %v", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

package window_test

import (
	"errors"
	"testing"

	"timelock/internal/window"
)

func TestValidateQueue(t *testing.T) {
	const now = 1000
	cases := []struct {
		name     string
		from, to int64
		err      error
	}{
		{"valid", now + 10, now + 20, nil},
		{"empty", now + 10, now + 10, window.ErrInvalid},
		{"inverted", now + 20, now + 10, window.ErrInvalid},
		{"opens now", now, now + 10, window.ErrInvalid},
		{"opens in past", now - 1, now + 10, window.ErrInvalid},
		{"opens next second", now + 1, now + 2, nil},
	}
	for _, tc := range cases {
		if err := window.ValidateQueue(tc.from, tc.to, now); !errors.Is(err, tc.err) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.err)
		}
	}
}

func TestCheckExecutable(t *testing.T) {
	const from, to = 1000, 2000
	cases := []struct {
		name string
		now  int64
		err  error
	}{
		{"before", 999, window.ErrNotReady},
		{"at from", 1000, nil},
		{"inside", 1500, nil},
		{"at to", 2000, nil},
		{"after", 2001, window.ErrExpired},
	}
	for _, tc := range cases {
		if err := window.CheckExecutable(from, to, tc.now); !errors.Is(err, tc.err) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.err)
		}
	}
}

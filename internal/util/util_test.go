package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryNotify(t *testing.T) {
	var seen []int
	errFlush := errors.New("flush failed")

	err := RetryNotify(context.Background(), 3, 0, func() error { return errFlush },
		func(attempt int, err error) {
			if !errors.Is(err, errFlush) {
				t.Errorf("notify got %v, want %v", err, errFlush)
			}
			seen = append(seen, attempt)
		})

	if !errors.Is(err, errFlush) {
		t.Fatalf("RetryNotify returned %v, want %v", err, errFlush)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("notify attempts = %v, want [1 2 3]", seen)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, 5, time.Hour, func() error {
		attempts++
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry returned %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times after cancel, want 1", attempts)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait #%d returned %v within burst", i, err)
		}
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := rl.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait past burst returned %v, want deadline exceeded", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "warn", "text").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %q", buf.String())
	}

	newLogger(&buf, "debug", "json").Debug("shown", "component", "recorder")
	if !strings.Contains(buf.String(), `"component":"recorder"`) {
		t.Errorf("JSON output missing attribute: %q", buf.String())
	}

	if got := parseLevel("bogus"); got != slog.LevelInfo {
		t.Errorf("parseLevel(bogus) = %v, want info", got)
	}
}

func TestSessionsContains(t *testing.T) {
	day, _ := ParseSession("08:45", "15:30")
	night, _ := ParseSession("20:45", "02:30")
	sessions := Sessions{day, night}

	loc := time.FixedZone("CST", 8*60*60)
	at := func(h, m int) time.Time { return time.Date(2024, 3, 1, h, m, 0, 0, loc) }

	tests := []struct {
		t    time.Time
		want bool
	}{
		{at(8, 44), false},
		{at(8, 45), true},
		{at(15, 30), true},
		{at(15, 31), false},
		{at(20, 45), true},
		{at(23, 59), true},
		{at(1, 0), true},
		{at(2, 31), false},
	}
	for _, tt := range tests {
		if got := sessions.Contains(tt.t); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
		}
	}

	if got := sessions.String(); got != "08:45-15:30,20:45-02:30" {
		t.Errorf("String() = %q", got)
	}

	next := sessions.NextOpen(at(16, 0))
	if !next.Equal(at(20, 45)) {
		t.Errorf("NextOpen(16:00) = %s, want 20:45", next)
	}
	next = sessions.NextOpen(at(21, 0))
	if want := at(8, 45).AddDate(0, 0, 1); !next.Equal(want) {
		t.Errorf("NextOpen(21:00) = %s, want %s", next, want)
	}
}

func TestParseSessionInvalid(t *testing.T) {
	if _, err := ParseSession("8.45", "15:30"); err == nil {
		t.Error("ParseSession accepted 8.45")
	}
	if _, err := ParseSession("08:45", "25:00"); err == nil {
		t.Error("ParseSession accepted 25:00")
	}
}

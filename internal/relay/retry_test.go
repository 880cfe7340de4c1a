package relay_test

import (
	"context"
	"testing"
	"time"

	"cipherlink/internal/relay"
)

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := relay.DefaultRetryConfig()

	tests := []struct {
		name       string
		attempt    int
		statusCode int
		want       bool
	}{
		{"first attempt, retryable", 0, 503, true},
		{"max attempts reached", cfg.MaxRetries, 503, false},
		{"non-retryable 400", 0, 400, false},
		{"non-retryable 404", 0, 404, false},
		{"retryable 408", 0, 408, true},
		{"retryable 429", 0, 429, true},
		{"retryable 504", 0, 504, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.ShouldRetry(tt.attempt, tt.statusCode); got != tt.want {
				t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tt.attempt, tt.statusCode, got, tt.want)
			}
		})
	}
}

func TestRetryConfig_DelayCapped(t *testing.T) {
	cfg := &relay.RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second} {
		if got := cfg.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetryConfig_WaitHonoursContext(t *testing.T) {
	cfg := &relay.RetryConfig{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cfg.Wait(ctx, 0); err != context.Canceled {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

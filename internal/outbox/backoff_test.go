package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Max: 10 * time.Second, MaxAttempts: 6}

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{attempt: 0, want: time.Second, ok: true},
		{attempt: 1, want: time.Second, ok: true},
		{attempt: 2, want: 2 * time.Second, ok: true},
		{attempt: 3, want: 4 * time.Second, ok: true},
		{attempt: 4, want: 8 * time.Second, ok: true},
		{attempt: 5, want: 10 * time.Second, ok: true},
		{attempt: 6, ok: false},
	}
	for _, tt := range tests {
		got, ok := p.RetryAfter(tt.attempt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		if tt.ok {
			assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
		}
	}
}

func TestDefaultBackoffPolicy_Unbounded(t *testing.T) {
	p := DefaultBackoffPolicy()
	got, ok := p.RetryAfter(100)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, got)
}

package reframe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubClient struct {
	response string
	err      error
	delay    time.Duration
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestReframe_RewritesQuery(t *testing.T) {
	r := New(&stubClient{response: "What is the copayment cost-sharing amount for specialist visits?\n"}, time.Second)

	got := r.Reframe(context.Background(), "how much do I pay for a specialist?")

	assert.True(t, got.Reframed)
	assert.Equal(t, "What is the copayment cost-sharing amount for specialist visits?", got.Query)
}

func TestReframe_ProviderFailureFallsBack(t *testing.T) {
	r := New(&stubClient{err: errors.New("model overloaded")}, time.Second)

	got := r.Reframe(context.Background(), "what's my copay?")

	assert.False(t, got.Reframed)
	assert.Equal(t, "what's my copay?", got.Query)
}

func TestReframe_TimeoutFallsBack(t *testing.T) {
	r := New(&stubClient{response: "never arrives", delay: time.Second}, 20*time.Millisecond)

	start := time.Now()
	got := r.Reframe(context.Background(), "is acupuncture covered?")

	assert.False(t, got.Reframed)
	assert.Equal(t, "is acupuncture covered?", got.Query)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "fallback should not wait out the provider")
}

func TestReframe_ImplausibleOutputFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"empty", "   \n\n  "},
		{"runaway", string(make([]byte, 4096))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&stubClient{response: tt.response}, time.Second)
			got := r.Reframe(context.Background(), "copay?")
			assert.False(t, got.Reframed)
			assert.Equal(t, "copay?", got.Query)
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"What is the deductible?"`, "What is the deductible?"},
		{"\n\nFirst line\nSecond line", "First line"},
		{"  padded  ", "padded"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitize(tt.in), "sanitize(%q)", tt.in)
	}
}

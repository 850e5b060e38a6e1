package scoring_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/quizwire/quizwire/internal/scoring"
)

func TestPolicy_Points(t *testing.T) {
	t.Parallel()

	p := scoring.DefaultPolicy()

	tests := map[string]struct {
		remaining time.Duration
		budget    time.Duration
		streak    int
		want      int64
	}{
		"instant answer gets full time bonus": {
			remaining: 30 * time.Second,
			budget:    30 * time.Second,
			want:      150,
		},
		"buzzer answer gets base only": {
			remaining: 0,
			budget:    30 * time.Second,
			want:      100,
		},
		"half the budget gets half the bonus": {
			remaining: 15 * time.Second,
			budget:    30 * time.Second,
			want:      125,
		},
		"streak adds per step": {
			remaining: 0,
			budget:    30 * time.Second,
			streak:    3,
			want:      130,
		},
		"streak is capped": {
			remaining: 0,
			budget:    30 * time.Second,
			streak:    50,
			want:      150,
		},
		"remaining above budget is clamped": {
			remaining: time.Minute,
			budget:    30 * time.Second,
			want:      150,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := p.Points(tt.remaining, tt.budget, tt.streak)
			assert.True(t, got.Equal(decimal.NewFromInt(tt.want)),
				"want %d, got %s", tt.want, got)
		})
	}
}

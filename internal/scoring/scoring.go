// Package scoring computes points for a correct answer. Pure arithmetic, no
// I/O; the orchestrator decides when to call it.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy tunes how points are awarded.
type Policy struct {
	// Base is awarded for any correct answer.
	Base decimal.Decimal
	// TimeBonusMax scales linearly with the remaining time budget: answering
	// instantly earns all of it, answering at the buzzer earns none.
	TimeBonusMax decimal.Decimal
	// StreakStep is added per consecutive correct answer, up to StreakCap.
	StreakStep decimal.Decimal
	StreakCap  int
}

// DefaultPolicy mirrors the usual live-trivia tuning: 100 base, up to 50 for
// speed, 10 per streak step capped at 5.
func DefaultPolicy() Policy {
	return Policy{
		Base:         decimal.NewFromInt(100),
		TimeBonusMax: decimal.NewFromInt(50),
		StreakStep:   decimal.NewFromInt(10),
		StreakCap:    5,
	}
}

// Points returns the award for a correct answer given the remaining time
// budget and the player's streak before this answer.
func (p Policy) Points(remaining, budget time.Duration, streak int) decimal.Decimal {
	total := p.Base

	if budget > 0 && remaining > 0 {
		if remaining > budget {
			remaining = budget
		}
		frac := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(budget)))
		total = total.Add(p.TimeBonusMax.Mul(frac).Round(0))
	}

	if streak > p.StreakCap {
		streak = p.StreakCap
	}
	if streak > 0 {
		total = total.Add(p.StreakStep.Mul(decimal.NewFromInt(int64(streak))))
	}

	return total
}

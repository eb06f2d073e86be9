package score

import (
	"github.com/shopspring/decimal"

	"github.com/victornm/couplequiz/internal/domain"
)

var (
	maxTotal = decimal.NewFromInt(2 * domain.QuestionCount)
	hundred  = decimal.NewFromInt(100)
)

// Compute counts, for each participant, the slots where their guess equals the partner's own answer.
func Compute(data [domain.QuestionCount]domain.Slot) domain.Pair[int] {
	var scores domain.Pair[int]

	for _, slot := range data {
		for _, side := range []domain.Side{domain.SideA, domain.SideB} {
			guess := slot.Guesses.Get(side)
			if guess != "" && guess == slot.Answers.Get(side.Other()) {
				scores.Set(side, scores.Get(side)+1)
			}
		}
	}

	return scores
}

// Compatibility is the share of correct guesses of both participants as a percentage rounded to one decimal.
func Compatibility(scores domain.Pair[int]) decimal.Decimal {
	total := decimal.NewFromInt(int64(scores.A + scores.B))
	return total.Div(maxTotal).Mul(hundred).Round(1)
}

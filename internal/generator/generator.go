package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/victornm/couplequiz/internal/domain"
)

// RawQuestion is a question as returned by a content generator, before it is validated.
type RawQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Generator invents questions for a category. Implementations are best effort.
type Generator interface {
	Generate(ctx context.Context, category string) ([]RawQuestion, error)
}

// GeneratorFunc adapts a function to a Generator.
type GeneratorFunc func(ctx context.Context, category string) ([]RawQuestion, error)

func (f GeneratorFunc) Generate(ctx context.Context, category string) ([]RawQuestion, error) {
	return f(ctx, category)
}

var optionLabels = [domain.OptionCount]string{"A", "B", "C", "D"}

// Placeholder returns the deterministic questions used when generation fails.
func Placeholder(category string) [domain.QuestionCount]domain.Question {
	var qs [domain.QuestionCount]domain.Question
	for i := range qs {
		qs[i] = placeholderQuestion(category, i)
	}
	return qs
}

func placeholderQuestion(category string, i int) domain.Question {
	q := domain.Question{Text: fmt.Sprintf("Soru %d", i+1)}
	if category != "" {
		q.Text = fmt.Sprintf("%s: Soru %d", category, i+1)
	}
	for j := range q.Options {
		q.Options[j] = placeholderOption(j)
	}
	return q
}

func placeholderOption(j int) string {
	return "Seçenek " + optionLabels[j]
}

// Normalize shapes raw questions into exactly QuestionCount questions of OptionCount options each.
// Questions without text and blank options are dropped, extra ones are truncated, missing ones are padded from the placeholder.
// ok is false when no usable question was found.
func Normalize(category string, raw []RawQuestion) (qs [domain.QuestionCount]domain.Question, ok bool) {
	n := 0
	for _, r := range raw {
		if n == domain.QuestionCount {
			break
		}

		text := strings.TrimSpace(r.Question)
		if text == "" {
			continue
		}

		q := domain.Question{Text: text}
		seen := make(map[string]struct{}, domain.OptionCount)
		k := 0
		for _, o := range r.Options {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if _, dup := seen[o]; dup {
				continue
			}
			if k == domain.OptionCount {
				break
			}
			seen[o] = struct{}{}
			q.Options[k] = o
			k++
		}

		for j := 0; k < domain.OptionCount; j++ {
			o := placeholderOption(j)
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			q.Options[k] = o
			k++
		}

		qs[n] = q
		n++
	}

	for i := n; i < domain.QuestionCount; i++ {
		qs[i] = placeholderQuestion(category, i)
	}

	return qs, n > 0
}

// Questions asks g for questions and always returns a usable set: on error, panic or an empty payload
// the placeholder questions are returned instead.
func Questions(ctx context.Context, g Generator, category string) (qs [domain.QuestionCount]domain.Question) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "generator: generate panic", "category", category, "error", fmt.Errorf("%v", r))
			qs = Placeholder(category)
		}
	}()

	if g == nil {
		return Placeholder(category)
	}

	raw, err := g.Generate(ctx, category)
	if err != nil {
		slog.WarnContext(ctx, "generator: generate failed, using placeholder", "category", category, "error", err)
		return Placeholder(category)
	}

	qs, ok := Normalize(category, raw)
	if !ok {
		slog.WarnContext(ctx, "generator: no usable question, using placeholder", "category", category)
	}

	return qs
}

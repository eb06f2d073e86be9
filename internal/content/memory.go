package content

import (
	"context"
	"sort"
	"sync"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
)

// Memory is an in-process Store used when no database is configured. Nothing survives a restart.
type Memory struct {
	mu        sync.RWMutex
	couples   map[string]domain.Couple
	templates []*domain.Template
	results   []*domain.Result
}

func NewMemory() *Memory {
	return &Memory{
		couples: make(map[string]domain.Couple),
	}
}

// PutCouple registers or replaces a couple.
func (m *Memory) PutCouple(c domain.Couple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.couples[c.CoupleID] = c
}

func (m *Memory) UpsertCouple(_ context.Context, c domain.Couple) error {
	m.PutCouple(c)
	return nil
}

func (m *Memory) Couple(_ context.Context, coupleID string) (domain.Couple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.couples[coupleID]
	if !ok {
		return c, errors.NotFound("couple not found: %s", coupleID)
	}
	return c, nil
}

func (m *Memory) UnsolvedTemplate(_ context.Context, coupleID, category string) (*domain.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.templates {
		if t.Category != category || !t.Active || m.solved(coupleID, t.QuizID) {
			continue
		}
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) solved(coupleID, quizID string) bool {
	for _, r := range m.results {
		if r.CoupleID == coupleID && r.QuizID == quizID {
			return true
		}
	}
	return false
}

func (m *Memory) InsertTemplate(_ context.Context, t *domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.templates = append(m.templates, &cp)
	return nil
}

func (m *Memory) Template(_ context.Context, quizID string) (*domain.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.templates {
		if t.QuizID == quizID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.NotFound("quiz not found: %s", quizID)
}

func (m *Memory) InsertResult(_ context.Context, r *domain.Result) (*domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.results {
		if existing.SessionID == r.SessionID {
			cp := *existing
			return &cp, nil
		}
	}

	cp := *r
	m.results = append(m.results, &cp)
	return r, nil
}

func (m *Memory) ResultBySession(_ context.Context, sessionID string) (*domain.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.results {
		if r.SessionID == sessionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) Result(_ context.Context, resultID string) (*domain.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.results {
		if r.ResultID == resultID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.NotFound("result not found: %s", resultID)
}

func (m *Memory) ListResults(_ context.Context, coupleID string, offset, limit int) ([]domain.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rs []domain.Result
	for _, r := range m.results {
		if r.CoupleID == coupleID {
			rs = append(rs, *r)
		}
	}

	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].FinishTime.After(rs[j].FinishTime)
	})

	if offset >= len(rs) {
		return []domain.Result{}, nil
	}
	rs = rs[offset:]
	if limit < len(rs) {
		rs = rs[:limit]
	}
	return rs, nil
}

// Results returns every stored result, in insertion order.
func (m *Memory) Results() []domain.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs := make([]domain.Result, 0, len(m.results))
	for _, r := range m.results {
		rs = append(rs, *r)
	}
	return rs
}

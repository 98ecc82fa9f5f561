package health

import (
	"sort"
	"time"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type ListFilter struct {
	Kinds []string
	From  *time.Time
	To    *time.Time
	Limit int
}

type entry interface {
	occurredAt() time.Time
	kind() string
}

func (f ListFilter) match(e entry) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.kind() == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && e.occurredAt().Before(*f.From) {
		return false
	}
	if f.To != nil && e.occurredAt().After(*f.To) {
		return false
	}
	return true
}

// apply filtra, ordena por fecha desc (más reciente primero) y recorta.
func apply[T entry](items []T, f ListFilter) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if f.match(it) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].occurredAt().After(out[j].occurredAt())
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

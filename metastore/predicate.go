package metastore

import "time"

// Predicate selects records during Query.
type Predicate interface {
	// Matches reports whether the record satisfies the predicate.
	Matches(record Record) bool
}

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func(record Record) bool

// Matches implements Predicate.
func (fn PredicateFunc) Matches(record Record) bool { return fn(record) }

// kindPredicate matches records by exact kind. The store recognizes it and
// answers from the kind bitmap index instead of scanning every record.
type kindPredicate struct {
	kind string
}

// KindEquals returns a predicate matching records whose kind equals kind.
func KindEquals(kind string) Predicate {
	return &kindPredicate{kind: kind}
}

// Matches implements Predicate.
func (p *kindPredicate) Matches(record Record) bool {
	return record.Kind == p.kind
}

// CreatedBetween returns a predicate matching records whose created_at lies
// within [start, end] inclusive.
func CreatedBetween(start, end time.Time) Predicate {
	return PredicateFunc(func(record Record) bool {
		ts, err := record.CreatedTime()
		if err != nil {
			return false
		}
		return !ts.Before(start) && !ts.After(end)
	})
}

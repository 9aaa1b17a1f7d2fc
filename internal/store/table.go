package store

import "context"

// Document is anything stored by id in a Table.
type Document interface {
	DocID() string
}

// Table is a keyed JSON document collection for one entity kind.
//
// Update merges patch into the stored document at the top level and only
// touches the row when every condition holds. It reports the number of rows
// changed; zero means the row is missing or a precondition failed.
type Table[T Document] interface {
	Get(ctx context.Context, id string) (*T, error)
	Create(ctx context.Context, doc *T) error
	Update(ctx context.Context, id string, patch any, conds ...Cond) (int64, error)
	Find(ctx context.Context, q Query) ([]T, error)
	Count(ctx context.Context, conds ...Cond) (int64, error)
}

// Cond compares the text value at a dotted JSON path against a set of values.
// A missing path compares as the empty string.
type Cond struct {
	Path   string
	Values []string
	Negate bool
}

func Eq(path, value string) Cond {
	return Cond{Path: path, Values: []string{value}}
}

func In[S ~string](path string, values ...S) Cond {
	vs := make([]string, 0, len(values))
	for _, v := range values {
		vs = append(vs, string(v))
	}
	return Cond{Path: path, Values: vs}
}

func Not(c Cond) Cond {
	c.Negate = !c.Negate
	return c
}

type Query struct {
	Where []Cond
	Limit int
	// Newest orders by createdAt descending.
	Newest bool
}

// MaxLimit caps a single Find.
const MaxLimit = 1000

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return 100
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

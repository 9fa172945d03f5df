package querysql

// Select is a single-table admin query.
type Select struct {
	From string

	// Columns lists the projected columns. Empty means "*".
	Columns []string

	// Filter is optional. nil selects every row.
	Filter Predicate

	// OrderBy lists the requested sort keys. The compiler always appends
	// the table's id as a final tiebreaker.
	OrderBy []Order

	// Page restricts the result window. The zero Page is unbounded.
	Page Page
}

// Order is one ORDER BY key.
type Order struct {
	Field string
	Desc  bool
}

// Page is a result window: skip First rows, return at most Max.
// Max <= 0 means no limit.
type Page struct {
	First int
	Max   int
}

// Predicate is a WHERE clause node.
type Predicate interface {
	predicate()
}

// Equals matches Field = Value.
type Equals struct {
	Field string
	Value any
}

// Compare matches Field Op Value for Op in =, !=, <, <=, >, >=.
type Compare struct {
	Field string
	Op    string
	Value any
}

// IsNull matches rows where Field is NULL.
type IsNull struct {
	Field string
}

// NotNull matches rows where Field is not NULL.
type NotNull struct {
	Field string
}

// And is a conjunction. An empty And is true.
type And struct {
	Predicates []Predicate
}

// Or is a disjunction. An empty Or is false.
type Or struct {
	Predicates []Predicate
}

func (Equals) predicate()  {}
func (Compare) predicate() {}
func (IsNull) predicate()  {}
func (NotNull) predicate() {}
func (And) predicate()     {}
func (Or) predicate()      {}

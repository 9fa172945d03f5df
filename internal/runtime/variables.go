package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/store"
)

// VariableType persists values of one Go type in a variables row.
type VariableType interface {
	// Name is stored in the type column.
	Name() string
	// Accepts reports whether v can be stored with this type.
	Accepts(v any) bool
	// Write stores v in the value columns of rec.
	Write(v any, rec *store.VariableRecord)
	// Read restores the value from rec.
	Read(rec store.VariableRecord) any
}

// VariableTypes is an ordered registry of variable types. The first type
// accepting a value is used to store it.
//
// Thread-safety: safe for concurrent use.
type VariableTypes struct {
	mu    sync.RWMutex
	types []VariableType
}

// DefaultVariableTypes returns a registry with the built-in types: null,
// string, boolean, integer, long, double and date.
func DefaultVariableTypes() *VariableTypes {
	return &VariableTypes{types: []VariableType{
		nullType{},
		stringType{},
		booleanType{},
		integerType{},
		longType{},
		doubleType{},
		dateType{},
	}}
}

// Register adds t ahead of the existing types.
func (r *VariableTypes) Register(t VariableType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append([]VariableType{t}, r.types...)
}

// Find returns the type used to store v.
func (r *VariableTypes) Find(v any) (VariableType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.types {
		if t.Accepts(v) {
			return t, nil
		}
	}
	return nil, fault.Validation("no variable type for value of type %T", v)
}

// Get returns the type registered under name.
func (r *VariableTypes) Get(name string) (VariableType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.types {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

type nullType struct{}

func (nullType) Name() string { return "null" }
func (nullType) Accepts(v any) bool { return v == nil }
func (nullType) Write(any, *store.VariableRecord) {}
func (nullType) Read(store.VariableRecord) any { return nil }

type stringType struct{}

func (stringType) Name() string { return "string" }
func (stringType) Accepts(v any) bool {
	_, ok := v.(string)
	return ok
}
func (stringType) Write(v any, rec *store.VariableRecord) {
	rec.Text = sql.NullString{String: v.(string), Valid: true}
}
func (stringType) Read(rec store.VariableRecord) any { return rec.Text.String }

type booleanType struct{}

func (booleanType) Name() string { return "boolean" }
func (booleanType) Accepts(v any) bool {
	_, ok := v.(bool)
	return ok
}
func (booleanType) Write(v any, rec *store.VariableRecord) {
	n := int64(0)
	if v.(bool) {
		n = 1
	}
	rec.Long = sql.NullInt64{Int64: n, Valid: true}
}
func (booleanType) Read(rec store.VariableRecord) any { return rec.Long.Int64 != 0 }

type integerType struct{}

func (integerType) Name() string { return "integer" }
func (integerType) Accepts(v any) bool {
	switch v.(type) {
	case int, int32:
		return true
	}
	return false
}
func (integerType) Write(v any, rec *store.VariableRecord) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	}
	rec.Long = sql.NullInt64{Int64: n, Valid: true}
}
func (integerType) Read(rec store.VariableRecord) any { return int(rec.Long.Int64) }

type longType struct{}

func (longType) Name() string { return "long" }
func (longType) Accepts(v any) bool {
	_, ok := v.(int64)
	return ok
}
func (longType) Write(v any, rec *store.VariableRecord) {
	rec.Long = sql.NullInt64{Int64: v.(int64), Valid: true}
}
func (longType) Read(rec store.VariableRecord) any { return rec.Long.Int64 }

type doubleType struct{}

func (doubleType) Name() string { return "double" }
func (doubleType) Accepts(v any) bool {
	switch v.(type) {
	case float64, float32:
		return true
	}
	return false
}
func (doubleType) Write(v any, rec *store.VariableRecord) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	}
	rec.Double = sql.NullFloat64{Float64: f, Valid: true}
}
func (doubleType) Read(rec store.VariableRecord) any { return rec.Double.Float64 }

type dateType struct{}

func (dateType) Name() string { return "date" }
func (dateType) Accepts(v any) bool {
	_, ok := v.(time.Time)
	return ok
}
func (dateType) Write(v any, rec *store.VariableRecord) {
	rec.Long = sql.NullInt64{Int64: v.(time.Time).UnixMilli(), Valid: true}
}
func (dateType) Read(rec store.VariableRecord) any { return time.UnixMilli(rec.Long.Int64).UTC() }

// variable is a variables row tracked by the DbSession.
type variable struct {
	rec   store.VariableRecord
	value any
}

var _ command.Entity = (*variable)(nil)

func (v *variable) set(t VariableType, value any) {
	v.rec.Type = t.Name()
	v.rec.Long = sql.NullInt64{}
	v.rec.Double = sql.NullFloat64{}
	v.rec.Text = sql.NullString{}
	t.Write(value, &v.rec)
	v.value = t.Read(v.rec)
}

func (v *variable) Ref() command.Ref { return command.Ref{Table: "variables", ID: v.rec.ID} }
func (v *variable) Snapshot() any { return v.rec }

func (v *variable) Insert(ctx context.Context, q store.Querier) error {
	if err := store.InsertVariable(ctx, q, v.rec); err != nil {
		return err
	}
	v.rec.Revision = 1
	return nil
}

func (v *variable) Update(ctx context.Context, q store.Querier) error {
	if err := store.UpdateVariable(ctx, q, v.rec); err != nil {
		return err
	}
	v.rec.Revision++
	return nil
}

func (v *variable) Delete(ctx context.Context, q store.Querier) error {
	return store.DeleteVariable(ctx, q, v.rec.ID, v.rec.Revision)
}

func variableFromRecord(types *VariableTypes, rec store.VariableRecord) (*variable, error) {
	t, ok := types.Get(rec.Type)
	if !ok {
		return nil, fault.Fatal("variable %s of execution %s has unknown type %q", rec.Name, rec.ExecutionID, rec.Type)
	}
	return &variable{rec: rec, value: t.Read(rec)}, nil
}

func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

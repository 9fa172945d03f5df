package command

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/pvm/internal/store"
)

// Ref identifies a persisted row.
type Ref struct {
	Table string
	ID    string
}

func (r Ref) String() string { return r.Table + "/" + r.ID }

// Entity is a row-backed object tracked by a DbSession.
//
// Snapshot must return a comparable value capturing every persisted
// column; the session compares the snapshot taken at load time against the
// one at flush time to decide whether to update. Update and Delete are
// revision-checked and advance the entity's revision on success.
type Entity interface {
	Ref() Ref
	Snapshot() any
	Insert(ctx context.Context, q store.Querier) error
	Update(ctx context.Context, q store.Querier) error
	Delete(ctx context.Context, q store.Querier) error
}

// tracked is the session state of one entity. cancelled marks an entity
// inserted and deleted in the same command.
type tracked struct {
	entity    Entity
	snapshot  any
	inserted  bool
	deleted   bool
	cancelled bool
	order     int
}

// DbSession is the unit of work of one command: an identity map of loaded
// entities plus the pending inserts and deletes.
//
// Flush writes inserts in table order, then dirty updates, then deletes in
// reverse table order. Inserting and deleting the same entity in one
// command cancels out and nothing is written.
type DbSession struct {
	entities map[Ref]*tracked
	next     int
	flushed  bool
}

func newDbSession() *DbSession {
	return &DbSession{entities: make(map[Ref]*tracked)}
}

// Load registers an entity read from the store. If the identity map already
// holds an entity for the same row, that entity is returned instead and e
// is discarded.
func (s *DbSession) Load(e Entity) Entity {
	if t, ok := s.entities[e.Ref()]; ok {
		return t.entity
	}
	s.track(e, false)
	return e
}

// Get returns the cached entity for ref.
func (s *DbSession) Get(ref Ref) (Entity, bool) {
	t, ok := s.entities[ref]
	if !ok {
		return nil, false
	}
	return t.entity, true
}

// Insert schedules e for insertion.
func (s *DbSession) Insert(e Entity) {
	s.track(e, true)
}

// Delete schedules e for deletion. Deleting an entity inserted in the same
// command drops both operations.
func (s *DbSession) Delete(e Entity) {
	t, ok := s.entities[e.Ref()]
	if !ok {
		t = s.track(e, false)
	}
	if t.inserted {
		t.inserted = false
		t.cancelled = true
	}
	t.deleted = true
}

// IsDeleted reports whether the row behind ref is scheduled for deletion
// or was inserted and deleted again in this command.
func (s *DbSession) IsDeleted(ref Ref) bool {
	t, ok := s.entities[ref]
	return ok && t.deleted
}

// Inserted returns the pending inserts of table in insertion order.
func (s *DbSession) Inserted(table string) []Entity {
	var out []Entity
	for _, t := range s.sorted() {
		if t.inserted && t.entity.Ref().Table == table {
			out = append(out, t.entity)
		}
	}
	return out
}

func (s *DbSession) track(e Entity, inserted bool) *tracked {
	s.next++
	t := &tracked{entity: e, inserted: inserted, order: s.next}
	if !inserted {
		t.snapshot = e.Snapshot()
	}
	s.entities[e.Ref()] = t
	return t
}

func (s *DbSession) empty() bool {
	return len(s.entities) == 0
}

func (s *DbSession) sorted() []*tracked {
	out := make([]*tracked, 0, len(s.entities))
	for _, t := range s.entities {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *tracked) int { return a.order - b.order })
	return out
}

// tableRank orders tables for flushing. Unknown tables flush last.
func tableRank(table string) int {
	if i := slices.Index(store.Tables, table); i >= 0 {
		return i
	}
	return len(store.Tables)
}

// Flush writes the pending changes through q. A session flushes once.
func (s *DbSession) Flush(ctx context.Context, q store.Querier) error {
	if s.flushed {
		return fmt.Errorf("db session already flushed")
	}
	s.flushed = true

	all := s.sorted()
	byTable := func(desc bool) func(a, b *tracked) int {
		return func(a, b *tracked) int {
			ra, rb := tableRank(a.entity.Ref().Table), tableRank(b.entity.Ref().Table)
			if ra != rb {
				if desc {
					return rb - ra
				}
				return ra - rb
			}
			return a.order - b.order
		}
	}

	var inserts, updates, deletes []*tracked
	for _, t := range all {
		switch {
		case t.cancelled:
		case t.inserted:
			inserts = append(inserts, t)
		case t.deleted:
			deletes = append(deletes, t)
		case t.entity.Snapshot() != t.snapshot:
			updates = append(updates, t)
		}
	}
	slices.SortStableFunc(inserts, byTable(false))
	slices.SortStableFunc(updates, byTable(false))
	slices.SortStableFunc(deletes, byTable(true))

	for _, t := range inserts {
		if err := t.entity.Insert(ctx, q); err != nil {
			return err
		}
	}
	for _, t := range updates {
		if err := t.entity.Update(ctx, q); err != nil {
			return err
		}
	}
	for _, t := range deletes {
		if err := t.entity.Delete(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

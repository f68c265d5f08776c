// Package cache holds the in-process tables the membership manager reads
// synchronously. Tables live in an explicit Registry owned by the process
// entry point; there is no ambient global table namespace.
package cache

import (
    "github.com/puzpuzpuz/xsync/v3"
)

// Key names one of the fixed slots of a table.
type Key string

const (
    // KeyActor holds the actor.Actor of the running incarnation.
    KeyActor Key = "actor"
    // KeyClusterState holds the current state.MembershipState.
    KeyClusterState Key = "cluster_state"
)

// Table is a small key/value map with unconditional overwrite semantics.
type Table struct {
    name string
    m    *xsync.MapOf[Key, any]
}

func newTable(name string) *Table {
    return &Table{name: name, m: xsync.NewMapOf[Key, any]()}
}

// Name returns the table name it was registered under.
func (t *Table) Name() string { return t.name }

// Get returns the value stored under key, if any.
func (t *Table) Get(key Key) (any, bool) { return t.m.Load(key) }

// Put overwrites the value stored under key.
func (t *Table) Put(key Key, v any) { t.m.Store(key, v) }

// Len returns the number of occupied slots.
func (t *Table) Len() int { return t.m.Size() }

// Registry owns named tables.
type Registry struct {
    tables *xsync.MapOf[string, *Table]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
    return &Registry{tables: xsync.NewMapOf[string, *Table]()}
}

// GetOrCreate returns the table registered under name, creating it when
// missing. created is false when the table already existed; that is the
// duplicate-initialization branch and not an error.
func (r *Registry) GetOrCreate(name string) (t *Table, created bool) {
    t, loaded := r.tables.LoadOrCompute(name, func() *Table { return newTable(name) })
    return t, !loaded
}

// Lookup returns an existing table without creating one.
func (r *Registry) Lookup(name string) (*Table, bool) { return r.tables.Load(name) }

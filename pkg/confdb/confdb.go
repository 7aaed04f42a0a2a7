// Package confdb implements the supplemental confdb-lite object database
// of SPEC_FULL.md §4.10: an in-memory hierarchical section tree (sections
// keyed by byte-string path, values as byte strings), mirroring
// original_source/services/confdb.c's section tree. Its only job is to
// give the externally-supplied configuration that spec.md §6 says is
// "supplied externally" (member list, keys, timer values) a concrete,
// introspectable home, plus a reference implementation of the
// ERR_NO_SECTIONS / ERR_NOT_EXIST error paths named there. Nothing here
// is persisted across process lifetime (spec.md §6 "Persisted state:
// None required").
package confdb

import (
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/totemerr"
)

// section is one node of the tree: its own key/value pairs plus named
// child sections, kept as plain exported fields so the whole tree can be
// CBOR-marshaled directly for the snapshot dump (§4.10).
type section struct {
	Values   map[string][]byte   `cbor:"values"`
	Children map[string]*section `cbor:"children"`
}

func newSection() *section {
	return &section{Values: make(map[string][]byte), Children: make(map[string]*section)}
}

// DB is the root confdb-lite object database, one per Instance.
type DB struct {
	mu   sync.RWMutex
	root *section
}

// New builds an empty confdb-lite database with just the root section.
func New() *DB {
	return &DB{root: newSection()}
}

// canonicalMode is the same deterministic CBOR encoding discipline used
// elsewhere in this module's introspection surface (§DOMAIN STACK: cbor
// moves from the teacher's wire envelopes to this snapshot/dump surface).
var canonicalMode = mustCanonicalMode()

func mustCanonicalMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

func (db *DB) walk(path []string, create bool) (*section, error) {
	cur := db.root
	for _, p := range path {
		next, ok := cur.Children[p]
		if !ok {
			if !create {
				return nil, totemerr.New(constants.ErrNoSections, "no such section")
			}
			next = newSection()
			cur.Children[p] = next
		}
		cur = next
	}
	return cur, nil
}

// CreateSection creates every section named along path that does not
// already exist, mirroring confdb.c's object_create walking a path one
// component at a time.
func (db *DB) CreateSection(path []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.walk(path, true)
	return err
}

// DestroySection removes the section named by path and everything below
// it. Destroying the root (empty path) is rejected.
func (db *DB) DestroySection(path []string) error {
	if len(path) == 0 {
		return totemerr.New(constants.ErrInvalidParam, "cannot destroy root section")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	parent, err := db.walk(path[:len(path)-1], false)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if _, ok := parent.Children[leaf]; !ok {
		return totemerr.New(constants.ErrNotExist, "no such section")
	}
	delete(parent.Children, leaf)
	return nil
}

// Set writes key=value in the section named by path, creating the
// section first if it doesn't already exist.
func (db *DB) Set(path []string, key string, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	sec, err := db.walk(path, true)
	if err != nil {
		return err
	}
	sec.Values[key] = append([]byte(nil), value...)
	return nil
}

// Get reads key from the section named by path.
func (db *DB) Get(path []string, key string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	sec, err := db.walk(path, false)
	if err != nil {
		return nil, err
	}
	v, ok := sec.Values[key]
	if !ok {
		return nil, totemerr.New(constants.ErrNotExist, "no such key")
	}
	return append([]byte(nil), v...), nil
}

// Keys lists every key currently set in the section named by path.
func (db *DB) Keys(path []string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	sec, err := db.walk(path, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sec.Values))
	for k := range sec.Values {
		out = append(out, k)
	}
	return out, nil
}

// Dump serializes the whole tree to canonical CBOR, the introspection
// format this module repurposes cbor for (§DOMAIN STACK).
func (db *DB) Dump() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return canonicalMode.Marshal(db.root)
}

// LoadDump rebuilds a DB from bytes produced by Dump.
func LoadDump(data []byte) (*DB, error) {
	root := newSection()
	if err := cbor.Unmarshal(data, root); err != nil {
		return nil, err
	}
	if root.Values == nil {
		root.Values = make(map[string][]byte)
	}
	if root.Children == nil {
		root.Children = make(map[string]*section)
	}
	return &DB{root: root}, nil
}

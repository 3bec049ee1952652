// Copyright 2015 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory implements an in-process store.Backend over a handful
// of maps, mirroring the index layout of badwolf's storage/memory: one
// primary table plus lookup indexes kept in lockstep under a single
// mutex, with ids handed out by github.com/google/uuid rather than
// derived from content.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gratach/ral/abstraction"
	"github.com/gratach/ral/store"
)

type record struct {
	kind       abstraction.Kind
	data       string
	format     string
	triples    []abstraction.Triple // relative form, SELF preserved; only set for Constructed
	remembered bool
}

// Backend is an in-memory store.Backend. The zero value is not usable;
// construct with New.
type Backend struct {
	mu       sync.RWMutex
	records  map[string]*record
	byKey    map[string]string // canonical key -> id, for Constructed
	byData   map[string]string // data+"\x00"+format -> id, for Data
	refersTo map[string]map[string]bool // referenced id -> set of owner ids whose triples mention it
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		records:  make(map[string]*record),
		byKey:    make(map[string]string),
		byData:   make(map[string]string),
		refersTo: make(map[string]map[string]bool),
	}
}

// Name identifies this backend implementation.
func (b *Backend) Name(ctx context.Context) string { return "memory" }

func dataKey(data, format string) string {
	return data + "\x00" + format
}

// InternData returns the canonical id for (data, format).
func (b *Backend) InternData(ctx context.Context, data, format string) (string, error) {
	key := dataKey(data, format)
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byData[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	b.records[id] = &record{kind: abstraction.Data, data: data, format: format}
	b.byData[key] = id
	return id, nil
}

// InternConstructed returns the canonical id for the given triple set.
func (b *Backend) InternConstructed(ctx context.Context, triples []abstraction.Triple) (string, error) {
	deduped := abstraction.Dedup(triples)
	key := abstraction.CanonicalKey(deduped)

	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byKey[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	b.records[id] = &record{kind: abstraction.Constructed, triples: deduped}
	b.byKey[key] = id
	for _, t := range deduped {
		for _, ref := range []string{t.Sub.Resolve(id), t.Pred.Resolve(id), t.Obj.Resolve(id)} {
			m, ok := b.refersTo[ref]
			if !ok {
				m = make(map[string]bool)
				b.refersTo[ref] = m
			}
			m[id] = true
		}
	}
	return id, nil
}

// Kind reports whether id is a data or constructed abstraction.
func (b *Backend) Kind(ctx context.Context, id string) (abstraction.Kind, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok {
		return 0, false, nil
	}
	return r.kind, true, nil
}

// Payload returns the (data, format) pair of a data abstraction.
func (b *Backend) Payload(ctx context.Context, id string) (string, string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok || r.kind != abstraction.Data {
		return "", "", false, nil
	}
	return r.data, r.format, true, nil
}

// TripleSet returns the triple set of a constructed abstraction.
func (b *Backend) TripleSet(ctx context.Context, id string) ([]abstraction.Triple, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok || r.kind != abstraction.Constructed {
		return nil, false, nil
	}
	out := make([]abstraction.Triple, len(r.triples))
	copy(out, r.triples)
	return out, true, nil
}

// Remembered reports the persistent pin flag of id.
func (b *Backend) Remembered(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok {
		return false, nil
	}
	return r.remembered, nil
}

// SetRemembered sets the persistent pin flag of id.
func (b *Backend) SetRemembered(ctx context.Context, id string, remembered bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return nil
	}
	r.remembered = remembered
	return nil
}

// Exists reports whether id currently names a stored abstraction.
func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.records[id]
	return ok, nil
}

// AllIDs returns every currently stored abstraction id.
func (b *Backend) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.records))
	for id := range b.records {
		out = append(out, id)
	}
	return out, nil
}

// Clear drops every stored abstraction.
func (b *Backend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]*record)
	b.byKey = make(map[string]string)
	b.byData = make(map[string]string)
	b.refersTo = make(map[string]map[string]bool)
	return nil
}

// SafeDeleteProbe removes id if it is unremembered, not externally live,
// and referenced (if at all) only by its own triples.
func (b *Backend) SafeDeleteProbe(ctx context.Context, id string, externallyLive func(string) bool) (bool, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.records[id]
	if !ok {
		return false, nil, nil
	}
	if r.remembered {
		return false, nil, nil
	}
	if externallyLive(id) {
		return false, nil, nil
	}
	for owner := range b.refersTo[id] {
		if owner != id {
			return false, nil, nil
		}
	}

	released := make(map[string]bool)
	if r.kind == abstraction.Constructed {
		for _, t := range r.triples {
			for _, ref := range []string{t.Sub.Resolve(id), t.Pred.Resolve(id), t.Obj.Resolve(id)} {
				if m, ok := b.refersTo[ref]; ok {
					delete(m, id)
					if len(m) == 0 {
						delete(b.refersTo, ref)
					}
				}
				if ref != id {
					released[ref] = true
				}
			}
		}
		delete(b.byKey, abstraction.CanonicalKey(r.triples))
	} else {
		delete(b.byData, dataKey(r.data, r.format))
	}
	delete(b.refersTo, id)
	delete(b.records, id)

	out := make([]string, 0, len(released))
	for rid := range released {
		out = append(out, rid)
	}
	return true, out, nil
}

// ForceDelete clears id's remembered flag and reports every abstraction
// whose triples mention id, for cascading.
func (b *Backend) ForceDelete(ctx context.Context, id string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return nil, nil
	}
	r.remembered = false
	owners := make([]string, 0, len(b.refersTo[id]))
	for owner := range b.refersTo[id] {
		if owner != id {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

// LinkedTriples returns every triple in which id occurs as subject,
// predicate, object, or owner.
func (b *Backend) LinkedTriples(ctx context.Context, id string) ([]store.ResolvedTriple, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	owners := map[string]bool{id: true}
	for owner := range b.refersTo[id] {
		owners[owner] = true
	}

	var out []store.ResolvedTriple
	for owner := range owners {
		r, ok := b.records[owner]
		if !ok || r.kind != abstraction.Constructed {
			continue
		}
		for _, t := range r.triples {
			sub, pred, obj := t.Sub.Resolve(owner), t.Pred.Resolve(owner), t.Obj.Resolve(owner)
			if owner == id || sub == id || pred == id || obj == id {
				out = append(out, store.ResolvedTriple{Sub: sub, Pred: pred, Obj: obj, Owner: owner})
			}
		}
	}
	return out, nil
}

// AllTriples returns the entire triple table, resolved.
func (b *Backend) AllTriples(ctx context.Context) ([]store.ResolvedTriple, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.ResolvedTriple
	for owner, r := range b.records {
		if r.kind != abstraction.Constructed {
			continue
		}
		for _, t := range r.triples {
			out = append(out, store.ResolvedTriple{
				Sub:   t.Sub.Resolve(owner),
				Pred:  t.Pred.Resolve(owner),
				Obj:   t.Obj.Resolve(owner),
				Owner: owner,
			})
		}
	}
	return out, nil
}

// AllData returns every stored data abstraction.
func (b *Backend) AllData(ctx context.Context) ([]store.DataRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []store.DataRecord
	for id, r := range b.records {
		if r.kind != abstraction.Data {
			continue
		}
		out = append(out, store.DataRecord{ID: id, Data: r.data, Format: r.format})
	}
	return out, nil
}

// OwnerTripleCount returns the number of triples owned by owner.
func (b *Backend) OwnerTripleCount(ctx context.Context, owner string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[owner]
	if !ok || r.kind != abstraction.Constructed {
		return 0, nil
	}
	return len(r.triples), nil
}

var _ store.Backend = (*Backend)(nil)

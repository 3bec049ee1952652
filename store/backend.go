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

// Package store implements the abstraction store and its handles. A
// single Store type is generic over a Backend implementation, so the
// two concrete backends in store/memory and store/sqlite produce
// identical handle observations for the same sequence of public
// operations.
package store

import (
	"context"

	"github.com/gratach/ral/abstraction"
)

// ResolvedTriple is a triple as kept by a backend's index: every slot,
// including a SELF slot, has already been resolved to a concrete
// store-local id (SELF resolves to Owner: it is materialised as the
// owner id at storage time).
type ResolvedTriple struct {
	Sub, Pred, Obj, Owner string
}

// DataRecord is a data abstraction as kept by a backend's index.
type DataRecord struct {
	ID, Data, Format string
}

// Backend is the low-level driver interface a storage implementation
// must satisfy to back a Store. Store adds handle bookkeeping on top of
// it.
//
// A Backend is not safe for concurrent mutation from multiple goroutines
// beyond what its own implementation documents; the engine assumes a
// single external writer at a time.
type Backend interface {
	// Name identifies the backend implementation, for diagnostics.
	Name(ctx context.Context) string

	// InternData returns the canonical id for (data, format), creating a
	// new abstraction only if no matching one already exists.
	InternData(ctx context.Context, data, format string) (id string, err error)

	// InternConstructed returns the canonical id for the given triple
	// set (SELF slots denote the abstraction under construction),
	// creating a new abstraction only if no canonical match exists. The
	// triples are assumed already validated (ShapeError/InvalidSlot are
	// the caller's responsibility, since validating a Ref slot requires
	// knowing which ids belong to this store, not just backend state).
	InternConstructed(ctx context.Context, triples []abstraction.Triple) (id string, err error)

	// Kind reports whether id is a data or constructed abstraction. ok is
	// false if id is unknown.
	Kind(ctx context.Context, id string) (kind abstraction.Kind, ok bool, err error)

	// Payload returns the (data, format) pair of a data abstraction. ok
	// is false if id is unknown or not a data abstraction.
	Payload(ctx context.Context, id string) (data, format string, ok bool, err error)

	// TripleSet returns the triple set of a constructed abstraction with
	// SELF re-materialised relative to id (any slot resolving to id
	// itself is rendered as abstraction.Self()). ok is false if id is
	// unknown or not a constructed abstraction.
	TripleSet(ctx context.Context, id string) (triples []abstraction.Triple, ok bool, err error)

	// Remembered reports the persistent pin flag of id.
	Remembered(ctx context.Context, id string) (bool, error)

	// SetRemembered sets the persistent pin flag of id.
	SetRemembered(ctx context.Context, id string, remembered bool) error

	// Exists reports whether id currently names a stored abstraction.
	Exists(ctx context.Context, id string) (bool, error)

	// AllIDs returns every currently stored abstraction id.
	AllIDs(ctx context.Context) ([]string, error)

	// Clear force-deletes every stored abstraction.
	Clear(ctx context.Context) error

	// SafeDeleteProbe is the safe-delete entry point: if id is not
	// remembered, not externally referenced, and mentioned only by its
	// own self-triples, it (and its triples) are removed, and the ids of
	// every other abstraction those triples referenced are returned for
	// re-probing. externallyLive reports, for a candidate id, whether a
	// live handle currently pins it; the backend has no notion of
	// handles, only Store does.
	SafeDeleteProbe(ctx context.Context, id string, externallyLive func(string) bool) (deleted bool, releasedOthers []string, err error)

	// ForceDelete is the forced-delete entry point: it drops id's
	// remembered flag (a subsequent SafeDeleteProbe removes the rows once
	// the cascade marks it unreferenced), returning the ids of every
	// abstraction that owned a triple mentioning id (they must be
	// force-deleted too, by the caller, since their own templates are now
	// broken).
	ForceDelete(ctx context.Context, id string) (owningAbstractions []string, err error)

	// LinkedTriples returns every triple in which id occurs as subject,
	// predicate, object, or owner, resolved per ResolvedTriple.
	LinkedTriples(ctx context.Context, id string) ([]ResolvedTriple, error)

	// AllTriples returns the entire triple table, resolved.
	AllTriples(ctx context.Context) ([]ResolvedTriple, error)

	// AllData returns every stored data abstraction.
	AllData(ctx context.Context) ([]DataRecord, error)

	// OwnerTripleCount returns the number of triples owned by owner.
	OwnerTripleCount(ctx context.Context, owner string) (int, error)
}

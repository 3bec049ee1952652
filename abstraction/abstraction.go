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

// Package abstraction defines the value types shared by every RAL store
// backend: the two abstraction kinds, the self-referencing triple slot,
// and the canonical key used to intern constructed abstractions.
package abstraction

import (
	"sort"
	"strings"
)

// Kind distinguishes the two abstraction variants.
type Kind int

const (
	// Data abstractions carry a (data, format) payload.
	Data Kind = iota
	// Constructed abstractions are defined by a set of triples.
	Constructed
)

// String returns a pretty printing representation of Kind.
func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Constructed:
		return "constructed"
	default:
		return "UNKNOWN"
	}
}

// Slot is one position of a triple. It is either the SELF sentinel or a
// concrete reference to another abstraction, identified by its
// store-local id.
type Slot struct {
	self bool
	ref  string
}

// Self returns the SELF sentinel slot value.
func Self() Slot {
	return Slot{self: true}
}

// Ref returns a slot referencing the abstraction with the given id.
func Ref(id string) Slot {
	return Slot{ref: id}
}

// IsSelf reports whether the slot is the SELF sentinel.
func (s Slot) IsSelf() bool {
	return s.self
}

// RefID returns the referenced id and true, or ("", false) if the slot is
// SELF.
func (s Slot) RefID() (string, bool) {
	if s.self {
		return "", false
	}
	return s.ref, true
}

// Resolve returns the id this slot denotes given the id of the owning
// abstraction: SELF resolves to owner.
func (s Slot) Resolve(owner string) string {
	if s.self {
		return owner
	}
	return s.ref
}

// FromResolved is the inverse of Resolve: given a resolved id and the
// owner it was resolved against, it reconstructs the relative slot
// (SELF if the two match, a Ref otherwise). Backends that keep triples
// in fully resolved form (e.g. a relational schema with integer
// foreign keys) use this to rematerialise SELF when reporting a
// triple set back to the caller.
func FromResolved(resolved, owner string) Slot {
	if resolved == owner {
		return Self()
	}
	return Ref(resolved)
}

// Triple is an ordered (subject, predicate, object) where each slot is
// either SELF or a reference to another abstraction. Triples only exist
// owned by a constructed abstraction; the owner is tracked by the store,
// not by the triple value itself.
type Triple struct {
	Sub, Pred, Obj Slot
}

// selfMark is the sentinel rendered for a SELF slot when building the
// canonical key. It can never collide with a real store-local id because
// ids are assigned by the backends and never take this exact form.
const selfMark = "-"

// Dedup collapses triples that render to the same (sub, pred, obj)
// tuple, keeping the first occurrence of each. The triple set backing a
// constructed abstraction is a set, not a sequence.
func Dedup(triples []Triple) []Triple {
	out := make([]Triple, 0, len(triples))
	seen := make(map[string]bool, len(triples))
	for _, t := range triples {
		tuple := tupleKey(t)
		if seen[tuple] {
			continue
		}
		seen[tuple] = true
		out = append(out, t)
	}
	return out
}

// CanonicalKey computes the deterministic string used to intern a
// constructed abstraction: each slot renders to "-" for SELF or the
// abstraction's id, the resulting three-slot tuples are sorted, duplicates
// collapse (the stored form is a set), and the tuples are joined with
// "|" and the slots within a tuple with ",".
func CanonicalKey(triples []Triple) string {
	deduped := Dedup(triples)
	rendered := make([]string, len(deduped))
	for i, t := range deduped {
		rendered[i] = tupleKey(t)
	}
	sort.Strings(rendered)
	return strings.Join(rendered, "|")
}

func tupleKey(t Triple) string {
	return strings.Join([]string{
		renderSlot(t.Sub),
		renderSlot(t.Pred),
		renderSlot(t.Obj),
	}, ",")
}

func renderSlot(s Slot) string {
	if s.self {
		return selfMark
	}
	return s.ref
}

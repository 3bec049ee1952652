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

package abstraction

import "testing"

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Data:        "data",
		Constructed: "constructed",
		Kind(99):    "UNKNOWN",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestSlotSelfAndRef(t *testing.T) {
	s := Self()
	if !s.IsSelf() {
		t.Fatal("Self() is not IsSelf")
	}
	if _, ok := s.RefID(); ok {
		t.Fatal("Self().RefID() reported ok")
	}
	if got := s.Resolve("owner-1"); got != "owner-1" {
		t.Errorf("Self().Resolve(owner) = %q, want owner", got)
	}

	r := Ref("abc")
	if r.IsSelf() {
		t.Fatal("Ref is IsSelf")
	}
	id, ok := r.RefID()
	if !ok || id != "abc" {
		t.Fatalf("Ref.RefID() = (%q, %v), want (abc, true)", id, ok)
	}
	if got := r.Resolve("owner-1"); got != "abc" {
		t.Errorf("Ref.Resolve(owner) = %q, want abc", got)
	}
}

func TestFromResolvedRoundTrip(t *testing.T) {
	if s := FromResolved("owner", "owner"); !s.IsSelf() {
		t.Error("FromResolved(owner, owner) should be SELF")
	}
	if s := FromResolved("other", "owner"); s.IsSelf() {
		t.Error("FromResolved(other, owner) should not be SELF")
	} else if id, _ := s.RefID(); id != "other" {
		t.Errorf("FromResolved(other, owner).RefID() = %q, want other", id)
	}

	// Resolve then FromResolved must reconstruct the original slot.
	for _, original := range []Slot{Self(), Ref("x")} {
		resolved := original.Resolve("owner")
		back := FromResolved(resolved, "owner")
		if back.IsSelf() != original.IsSelf() {
			t.Errorf("round trip of %+v changed SELF-ness", original)
		}
		if !back.IsSelf() {
			origID, _ := original.RefID()
			backID, _ := back.RefID()
			if origID != backID {
				t.Errorf("round trip of %+v: got ref %q", original, backID)
			}
		}
	}
}

func TestDedupCollapsesDuplicateTuples(t *testing.T) {
	triples := []Triple{
		{Sub: Self(), Pred: Self(), Obj: Self()},
		{Sub: Self(), Pred: Self(), Obj: Self()},
		{Sub: Ref("a"), Pred: Ref("b"), Obj: Self()},
	}
	out := Dedup(triples)
	if len(out) != 2 {
		t.Fatalf("Dedup returned %d triples, want 2", len(out))
	}
}

func TestCanonicalKeyOrderIndependent(t *testing.T) {
	a := Ref("a")
	b := Ref("b")
	t1 := []Triple{{Sub: a, Pred: b, Obj: Self()}, {Sub: b, Pred: a, Obj: Self()}}
	t2 := []Triple{{Sub: b, Pred: a, Obj: Self()}, {Sub: a, Pred: b, Obj: Self()}}
	if CanonicalKey(t1) != CanonicalKey(t2) {
		t.Error("CanonicalKey depends on insertion order")
	}
}

func TestCanonicalKeyDuplicatesCollapse(t *testing.T) {
	single := []Triple{{Sub: Self(), Pred: Self(), Obj: Self()}}
	doubled := []Triple{
		{Sub: Self(), Pred: Self(), Obj: Self()},
		{Sub: Self(), Pred: Self(), Obj: Self()},
	}
	if CanonicalKey(single) != CanonicalKey(doubled) {
		t.Error("CanonicalKey distinguishes a triple set from its own duplicate")
	}
}

func TestCanonicalKeyDistinguishesSelfFromRef(t *testing.T) {
	selfTriple := []Triple{{Sub: Self(), Pred: Ref("p"), Obj: Ref("o")}}
	refTriple := []Triple{{Sub: Ref("s"), Pred: Ref("p"), Obj: Ref("o")}}
	if CanonicalKey(selfTriple) == CanonicalKey(refTriple) {
		t.Error("a SELF subject must not canonicalize the same as a concrete-reference subject")
	}
}

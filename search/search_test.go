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

package search_test

import (
	"context"
	"testing"

	"github.com/gratach/ral/search"
	"github.com/gratach/ral/store"
	"github.com/gratach/ral/store/memory"
)

func newStore() *store.Store {
	return store.New(memory.New())
}

func collect(t *testing.T, ctx context.Context, c *search.Cursor) []search.Bindings {
	t.Helper()
	var out []search.Bindings
	for c.Next(ctx) {
		out = append(out, c.Binding())
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTripleSearchSingleOwnerTriple(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	a, _ := s.InternData(ctx, "a", "t")
	_, err := s.InternConstructed(ctx, []store.TripleSpec{
		{Sub: store.RefSlot(a), Pred: store.RefSlot(a), Obj: store.RefSlot(a)},
	})
	if err != nil {
		t.Fatal(err)
	}

	cur, err := search.Run(ctx, s, search.Pattern{
		Triples: []search.TripleTerm{{Subj: search.Var("x"), Pred: search.Bound(a), Obj: search.Var("y")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	results := collect(t, ctx, cur)
	if len(results) != 1 {
		t.Fatalf("got %d bindings, want 1", len(results))
	}
	x, _ := results[0]["x"].Handle()
	y, _ := results[0]["y"].Handle()
	if x.ID() != a.ID() || y.ID() != a.ID() {
		t.Errorf("binding = {x:%s y:%s}, want both %s", x.ID(), y.ID(), a.ID())
	}
}

func TestConstructedSearchExactCardinality(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s0, _ := s.InternData(ctx, "s0", "t")
	p0, _ := s.InternData(ctx, "p0", "t")
	owner, err := s.InternConstructed(ctx, []store.TripleSpec{
		{Sub: store.RefSlot(s0), Pred: store.RefSlot(p0), Obj: store.SelfSlot()},
	})
	if err != nil {
		t.Fatal(err)
	}

	cur, err := search.Run(ctx, s, search.Pattern{
		Constructed: map[string]search.ConstructedSpec{
			"P": {Connections: []search.TripleTerm{{Subj: search.Var("s"), Pred: search.Var("p"), Obj: search.Owner}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	results := collect(t, ctx, cur)
	if len(results) != 1 {
		t.Fatalf("got %d bindings, want 1", len(results))
	}
	pHandle, _ := results[0]["P"].Handle()
	sHandle, _ := results[0]["s"].Handle()
	pvarHandle, _ := results[0]["p"].Handle()
	if pHandle.ID() != owner.ID() || sHandle.ID() != s0.ID() || pvarHandle.ID() != p0.ID() {
		t.Errorf("unexpected binding: P=%s s=%s p=%s", pHandle.ID(), sHandle.ID(), pvarHandle.ID())
	}

	// An abstraction with two triples must not match the exact, single-
	// connection pattern above.
	extra, _ := s.InternData(ctx, "extra", "t")
	_, err = s.InternConstructed(ctx, []store.TripleSpec{
		{Sub: store.RefSlot(s0), Pred: store.RefSlot(p0), Obj: store.SelfSlot()},
		{Sub: store.RefSlot(extra), Pred: store.RefSlot(extra), Obj: store.SelfSlot()},
	})
	if err != nil {
		t.Fatal(err)
	}
	cur2, err := search.Run(ctx, s, search.Pattern{
		Constructed: map[string]search.ConstructedSpec{
			"P": {Connections: []search.TripleTerm{{Subj: search.Bound(s0), Pred: search.Bound(p0), Obj: search.Owner}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	results2 := collect(t, ctx, cur2)
	if len(results2) != 1 {
		t.Fatalf("exact-cardinality pattern with a bound owner candidate matched %d, want exactly the original owner", len(results2))
	}
	owner2, _ := results2[0]["P"].Handle()
	if owner2.ID() != owner.ID() {
		t.Errorf("exact match picked the wrong owner: got %s, want %s", owner2.ID(), owner.ID())
	}
}

func TestConstructedSearchPlusAllowsSuperset(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s0, _ := s.InternData(ctx, "s0", "t")
	p0, _ := s.InternData(ctx, "p0", "t")
	extra, _ := s.InternData(ctx, "extra", "t")
	owner, err := s.InternConstructed(ctx, []store.TripleSpec{
		{Sub: store.RefSlot(s0), Pred: store.RefSlot(p0), Obj: store.SelfSlot()},
		{Sub: store.RefSlot(extra), Pred: store.RefSlot(extra), Obj: store.SelfSlot()},
	})
	if err != nil {
		t.Fatal(err)
	}

	cur, err := search.Run(ctx, s, search.Pattern{
		Constructed: map[string]search.ConstructedSpec{
			"P": {
				Plus:        true,
				Connections: []search.TripleTerm{{Subj: search.Bound(s0), Pred: search.Bound(p0), Obj: search.Owner}},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	results := collect(t, ctx, cur)
	if len(results) != 1 {
		t.Fatalf("got %d bindings, want 1", len(results))
	}
	got, _ := results[0]["P"].Handle()
	if got.ID() != owner.ID() {
		t.Errorf("P = %s, want %s", got.ID(), owner.ID())
	}
}

func TestDataSearchBindsLiteralAndVariableSlots(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	h, err := s.InternData(ctx, "hello", "text")
	if err != nil {
		t.Fatal(err)
	}

	cur, err := search.Run(ctx, s, search.Pattern{
		Data: map[string]search.DataSpec{
			"D": {Data: search.Literal("hello"), Format: search.ValueVar("f")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	results := collect(t, ctx, cur)
	if len(results) != 1 {
		t.Fatalf("got %d bindings, want 1", len(results))
	}
	d, _ := results[0]["D"].Handle()
	f, _ := results[0]["f"].String()
	if d.ID() != h.ID() || f != "text" {
		t.Errorf("binding = {D:%s f:%s}, want {%s, text}", d.ID(), f, h.ID())
	}
}

func TestSearchFindsNoMatchWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	a, _ := s.InternData(ctx, "a", "t")
	cur, err := search.Run(ctx, s, search.Pattern{
		Triples: []search.TripleTerm{{Subj: search.Bound(a), Pred: search.Bound(a), Obj: search.Var("x")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cur.Next(ctx) {
		t.Error("expected no bindings for a pattern with no matching triples")
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyPatternYieldsOneEmptyBinding(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	cur, err := search.Run(ctx, s, search.Pattern{})
	if err != nil {
		t.Fatal(err)
	}
	results := collect(t, ctx, cur)
	if len(results) != 1 {
		t.Fatalf("got %d bindings for an empty pattern, want exactly 1 (the empty binding)", len(results))
	}
}

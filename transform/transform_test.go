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

package transform_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gratach/ral/store"
	"github.com/gratach/ral/store/memory"
	"github.com/gratach/ral/transform"
)

func newStore() *store.Store {
	return store.New(memory.New())
}

func TestIdentityTransformPreservesDataAbstraction(t *testing.T) {
	ctx := context.Background()
	src := newStore()
	dst := newStore()
	h, err := src.InternData(ctx, "hello", "text")
	if err != nil {
		t.Fatal(err)
	}
	out, err := transform.Transform(ctx, []*store.Handle{h}, src, dst, transform.Identity)
	if err != nil {
		t.Fatal(err)
	}
	target := out[h.ID()]
	if target == nil {
		t.Fatal("transform produced no target for the seed")
	}
	if data, err := target.Data(ctx); err != nil || data != "hello" {
		t.Errorf("target.Data() = %q, %v, want hello", data, err)
	}
	if format, err := target.Format(ctx); err != nil || format != "text" {
		t.Errorf("target.Format() = %q, %v, want text", format, err)
	}
}

func TestIdentityTransformPreservesSelfTriple(t *testing.T) {
	ctx := context.Background()
	src := newStore()
	dst := newStore()
	a, _ := src.InternData(ctx, "a", "t")
	seed, err := src.InternConstructed(ctx, []store.TripleSpec{
		{Sub: store.RefSlot(a), Pred: store.RefSlot(a), Obj: store.SelfSlot()},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := transform.Transform(ctx, []*store.Handle{seed}, src, dst, transform.Identity)
	if err != nil {
		t.Fatal(err)
	}
	target := out[seed.ID()]
	conns, err := target.Connections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 {
		t.Fatalf("target has %d connections, want 1", len(conns))
	}
	if !conns[0].Obj.IsSelf() {
		t.Error("target lost its SELF slot")
	}
	subj := conns[0].Sub.Handle()
	if data, err := subj.Data(ctx); err != nil || data != "a" {
		t.Errorf("transformed subject data = %q, %v, want a", data, err)
	}

	// A second transform of the same seed must be stable: same target id.
	out2, err := transform.Transform(ctx, []*store.Handle{seed}, src, dst, transform.Identity)
	if err != nil {
		t.Fatal(err)
	}
	if out2[seed.ID()].ID() != target.ID() {
		t.Error("repeated transform of the same seed produced a different target")
	}
}

func TestTransformResolvesChainedDependency(t *testing.T) {
	ctx := context.Background()
	src := newStore()
	dst := newStore()

	// b depends on a, which depends on x; Transform must resolve the
	// whole chain from either seed regardless of pop order.
	x, _ := src.InternData(ctx, "x", "t")
	a, err := src.InternConstructed(ctx, []store.TripleSpec{{Sub: store.RefSlot(x), Pred: store.SelfSlot(), Obj: store.SelfSlot()}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.InternConstructed(ctx, []store.TripleSpec{{Sub: store.RefSlot(a), Pred: store.SelfSlot(), Obj: store.SelfSlot()}})
	if err != nil {
		t.Fatal(err)
	}

	var calls int
	fn := func(ctx context.Context, h *store.Handle, srcStore, dstStore *store.Store) (transform.Result, error) {
		calls++
		return transform.Identity(ctx, h, srcStore, dstStore)
	}

	out, err := transform.Transform(ctx, []*store.Handle{a, b}, src, dst, fn)
	if err != nil {
		t.Fatal(err)
	}
	if out[a.ID()] == nil || out[b.ID()] == nil {
		t.Fatal("transform did not resolve both seeds")
	}
	bConns, err := out[b.ID()].Connections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bConns[0].Sub.Handle().ID() != out[a.ID()].ID() {
		t.Error("b's transformed subject does not point at a's transformed target")
	}
}

func TestTransformRejectsForeignSeed(t *testing.T) {
	ctx := context.Background()
	src := newStore()
	other := newStore()
	dst := newStore()
	foreign, _ := other.InternData(ctx, "x", "t")
	_, err := transform.Transform(ctx, []*store.Handle{foreign}, src, dst, transform.Identity)
	if !errors.Is(err, store.ErrWrongStore) {
		t.Fatalf("Transform with a foreign seed = %v, want ErrWrongStore", err)
	}
}

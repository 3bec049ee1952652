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

// Package transform implements the network transformer: copying a
// closure of abstractions from one store to another (possibly through
// a user-supplied transformation function) while resolving
// forward references to abstractions that have not been transformed
// yet. It is a direct port of
// transformRALNetwork in ral_network/network_transformation.py.
package transform

import (
	"context"
	"fmt"

	"github.com/gratach/ral/abstraction"
	"github.com/gratach/ral/store"
)

// Slot is one position of a connection triple produced by a Func: the
// SELF sentinel, a reference to a not-yet-transformed abstraction in
// the source store, or a reference to an abstraction already present
// in the target store.
type Slot struct {
	self   bool
	source *store.Handle
	target *store.Handle
}

// SelfSlot returns the SELF sentinel.
func SelfSlot() Slot { return Slot{self: true} }

// SourceSlot references an abstraction in the source store that still
// needs to be transformed.
func SourceSlot(h *store.Handle) Slot { return Slot{source: h} }

// TargetSlot references an abstraction already present in the target
// store (the Go rendering of the single-item-list marker in the Python
// original).
func TargetSlot(h *store.Handle) Slot { return Slot{target: h} }

// ConnTriple is one triple of a Result's connection set.
type ConnTriple struct {
	Sub, Pred, Obj Slot
}

// Result is what a Func returns for one source abstraction: either the
// target abstraction directly, or a connection set to intern once every
// SourceSlot it contains has itself been transformed.
type Result struct {
	target      *store.Handle
	connections []ConnTriple
}

// Target wraps an already-known target handle.
func Target(h *store.Handle) Result { return Result{target: h} }

// Connections wraps a pending connection set.
func Connections(conns []ConnTriple) Result { return Result{connections: conns} }

// Func transforms one source abstraction into a Result. It may inspect
// src via srcStore and may create abstractions in dstStore directly
// (for the Target case); any SourceSlot it returns will itself be
// passed through Func by the driving Transform call.
type Func func(ctx context.Context, src *store.Handle, srcStore, dstStore *store.Store) (Result, error)

// Identity is the default Func: data abstractions are interned as-is
// into the target store, constructed abstractions are rebuilt from
// their own connections, a direct port of RALIdentityTransformation.
func Identity(ctx context.Context, src *store.Handle, srcStore, dstStore *store.Store) (Result, error) {
	kind, err := src.Kind(ctx)
	if err != nil {
		return Result{}, err
	}
	if kind == abstraction.Data {
		data, err := src.Data(ctx)
		if err != nil {
			return Result{}, err
		}
		format, err := src.Format(ctx)
		if err != nil {
			return Result{}, err
		}
		h, err := dstStore.InternData(ctx, data, format)
		if err != nil {
			return Result{}, err
		}
		return Target(h), nil
	}
	conns, err := src.Connections(ctx)
	if err != nil {
		return Result{}, err
	}
	out := make([]ConnTriple, len(conns))
	for i, c := range conns {
		out[i] = ConnTriple{Sub: fromStoreSlot(c.Sub), Pred: fromStoreSlot(c.Pred), Obj: fromStoreSlot(c.Obj)}
	}
	return Connections(out), nil
}

func fromStoreSlot(s store.SlotSpec) Slot {
	if s.IsSelf() {
		return SelfSlot()
	}
	return SourceSlot(s.Handle())
}

type dependency struct {
	depending          string
	tripleIdx, slotIdx int
}

type pendingTransform struct {
	conns     []ConnTriple
	remaining int
}

// Transform copies the closure reachable from sources (as produced by
// fn) from srcStore into dstStore, returning the target handle for
// every source id in sources. Every abstraction fn reports as a
// SourceSlot dependency of another is transformed as part of the same
// call: a constructed abstraction is only interned into dstStore once
// every one of its slots is resolved, and resolving one abstraction may
// complete several others waiting on it at once. Connection sets whose
// SourceSlot dependencies form a cycle never become fully resolved:
// they are not interned, and a seed among them maps to nil in the
// returned map.
func Transform(ctx context.Context, sources []*store.Handle, srcStore, dstStore *store.Store, fn Func) (map[string]*store.Handle, error) {
	for _, h := range sources {
		if h.Store() != srcStore {
			return nil, fmt.Errorf("transform: source handle does not belong to the source store: %w", store.ErrWrongStore)
		}
	}

	finished := make(map[string]*store.Handle)
	unfinished := make(map[string]*pendingTransform)
	unchecked := make(map[string]*store.Handle)
	deps := make(map[string][]dependency)

	for _, h := range sources {
		unchecked[h.ID()] = h
	}

	resolve := func(srcID string, target *store.Handle) error {
		finished[srcID] = target
		stack := []string{srcID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			curTarget := finished[cur]
			for _, dep := range deps[cur] {
				p, ok := unfinished[dep.depending]
				if !ok {
					continue
				}
				switch dep.slotIdx {
				case 0:
					p.conns[dep.tripleIdx].Sub = TargetSlot(curTarget)
				case 1:
					p.conns[dep.tripleIdx].Pred = TargetSlot(curTarget)
				case 2:
					p.conns[dep.tripleIdx].Obj = TargetSlot(curTarget)
				}
				p.remaining--
				if p.remaining == 0 {
					delete(unfinished, dep.depending)
					h, err := materialize(ctx, dstStore, p.conns)
					if err != nil {
						return err
					}
					finished[dep.depending] = h
					stack = append(stack, dep.depending)
				}
			}
			delete(deps, cur)
		}
		return nil
	}

	for len(unchecked) > 0 {
		var curID string
		var curHandle *store.Handle
		for id, h := range unchecked {
			curID, curHandle = id, h
			break
		}
		delete(unchecked, curID)

		result, err := fn(ctx, curHandle, srcStore, dstStore)
		if err != nil {
			return nil, err
		}

		if result.target != nil {
			if err := resolve(curID, result.target); err != nil {
				return nil, err
			}
			continue
		}

		conns := result.connections
		deps_ := 0
		for ti := range conns {
			slots := [3]*Slot{&conns[ti].Sub, &conns[ti].Pred, &conns[ti].Obj}
			for si, sl := range slots {
				if sl.self || sl.target != nil {
					continue
				}
				if sl.source == nil {
					return nil, fmt.Errorf("transform: template slot is neither SELF, a source handle, nor a target handle: %w", store.ErrInvalidSlot)
				}
				if sl.source.Store() != srcStore {
					return nil, fmt.Errorf("transform: template slot references a handle outside the source store: %w", store.ErrInvalidSlot)
				}
				srcRefID := sl.source.ID()
				if done, ok := finished[srcRefID]; ok {
					*sl = TargetSlot(done)
					continue
				}
				deps_++
				deps[srcRefID] = append(deps[srcRefID], dependency{depending: curID, tripleIdx: ti, slotIdx: si})
				if _, already := unfinished[srcRefID]; !already {
					if _, queued := unchecked[srcRefID]; !queued {
						unchecked[srcRefID] = sl.source
					}
				}
			}
		}

		if deps_ > 0 {
			unfinished[curID] = &pendingTransform{conns: conns, remaining: deps_}
			continue
		}

		h, err := materialize(ctx, dstStore, conns)
		if err != nil {
			return nil, err
		}
		if err := resolve(curID, h); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*store.Handle, len(sources))
	for _, h := range sources {
		out[h.ID()] = finished[h.ID()]
	}
	return out, nil
}

func materialize(ctx context.Context, dstStore *store.Store, conns []ConnTriple) (*store.Handle, error) {
	specs := make([]store.TripleSpec, len(conns))
	for i, c := range conns {
		specs[i] = store.TripleSpec{
			Sub:  toSlotSpec(c.Sub),
			Pred: toSlotSpec(c.Pred),
			Obj:  toSlotSpec(c.Obj),
		}
	}
	return dstStore.InternConstructed(ctx, specs)
}

func toSlotSpec(s Slot) store.SlotSpec {
	if s.self {
		return store.SelfSlot()
	}
	return store.RefSlot(s.target)
}

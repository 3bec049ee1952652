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

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gratach/ral/abstraction"
)

// SlotSpec is one position of a triple as presented to InternConstructed:
// either the SELF sentinel or a live handle into the store being
// mutated.
type SlotSpec struct {
	self   bool
	handle *Handle
}

// SelfSlot returns the SELF sentinel slot value for use in a TripleSpec.
func SelfSlot() SlotSpec {
	return SlotSpec{self: true}
}

// RefSlot returns a slot referencing h for use in a TripleSpec.
func RefSlot(h *Handle) SlotSpec {
	return SlotSpec{handle: h}
}

// TripleSpec is one triple as presented to InternConstructed.
type TripleSpec struct {
	Sub, Pred, Obj SlotSpec
}

// Store is the C1+C2 façade of spec.md: it wraps a Backend with handle
// bookkeeping so that dropping the last handle to an abstraction, or
// clearing its remembered flag, drives the safe-delete probe, and forced
// deletion invalidates every outstanding handle in the affected cascade.
type Store struct {
	mu      sync.Mutex
	backend Backend
	live    map[string]map[*Handle]bool
}

// New wraps b in a Store.
func New(b Backend) *Store {
	return &Store{
		backend: b,
		live:    make(map[string]map[*Handle]bool),
	}
}

// Handle is an external live reference to a stored abstraction. It pins
// the abstraction's liveness until Release is called; Go has no
// deterministic destructor, so Release is the explicit stand-in for "the
// last handle dies".
type Handle struct {
	id      string
	store   *Store
	mu      sync.Mutex
	deleted bool
}

// ID returns the handle's store-local id. Exposed for persistence keys
// and for cross-package callers (search, transform, ralj) that need to
// compare handle identity without round-tripping through the store.
func (h *Handle) ID() string { return h.id }

// Store returns the store this handle belongs to.
func (h *Handle) Store() *Store { return h.store }

func (s *Store) acquire(id string) *Handle {
	h := &Handle{id: id, store: s}
	s.mu.Lock()
	m, ok := s.live[id]
	if !ok {
		m = make(map[*Handle]bool)
		s.live[id] = m
	}
	m[h] = true
	s.mu.Unlock()
	return h
}

func (s *Store) isLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live[id]) > 0
}

// Release drops this live reference. If it was the last one, a
// safe-delete probe runs on the target id.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	s := h.store
	s.mu.Lock()
	m := s.live[h.id]
	if m != nil {
		delete(m, h)
		if len(m) == 0 {
			delete(s.live, h.id)
		}
	}
	s.mu.Unlock()

	return s.probeSafeDelete(ctx, h.id)
}

func (s *Store) probeSafeDelete(ctx context.Context, id string) error {
	toProbe := []string{id}
	for len(toProbe) > 0 {
		cur := toProbe[len(toProbe)-1]
		toProbe = toProbe[:len(toProbe)-1]
		deleted, released, err := s.backend.SafeDeleteProbe(ctx, cur, s.isLive)
		if err != nil {
			return fmt.Errorf("ral/store: safe-delete probe on %q: %w", cur, err)
		}
		if deleted {
			toProbe = append(toProbe, released...)
		}
	}
	return nil
}

func (h *Handle) checkAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted {
		return fmt.Errorf("handle %q: %w", h.id, ErrUseAfterDelete)
	}
	return nil
}

func (h *Handle) markDeleted() {
	h.mu.Lock()
	h.deleted = true
	h.mu.Unlock()
}

// IsDeleted reports whether this handle's target was force-deleted.
func (h *Handle) IsDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleted
}

// Kind returns the abstraction's kind.
func (h *Handle) Kind(ctx context.Context) (abstraction.Kind, error) {
	if err := h.checkAlive(); err != nil {
		return 0, err
	}
	kind, ok, err := h.store.backend.Kind(ctx, h.id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !ok {
		return 0, fmt.Errorf("handle %q: %w", h.id, ErrUseAfterDelete)
	}
	return kind, nil
}

// Data returns the payload of a data abstraction.
func (h *Handle) Data(ctx context.Context) (string, error) {
	if err := h.checkAlive(); err != nil {
		return "", err
	}
	data, _, ok, err := h.store.backend.Payload(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !ok {
		return "", fmt.Errorf("handle %q is not a data abstraction", h.id)
	}
	return data, nil
}

// Format returns the format of a data abstraction.
func (h *Handle) Format(ctx context.Context) (string, error) {
	if err := h.checkAlive(); err != nil {
		return "", err
	}
	_, format, ok, err := h.store.backend.Payload(ctx, h.id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !ok {
		return "", fmt.Errorf("handle %q is not a data abstraction", h.id)
	}
	return format, nil
}

// Connection is one triple of a constructed abstraction's observed
// connections, with SELF re-materialised as the sentinel (IsSelf
// reports true) rather than resolved to a handle.
type Connection struct {
	Sub, Pred, Obj SlotSpec
}

// IsSelf reports whether a SlotSpec observed from Connections is SELF.
func (s SlotSpec) IsSelf() bool { return s.self }

// Handle returns the referenced handle, or nil if the slot is SELF.
func (s SlotSpec) Handle() *Handle { return s.handle }

// Connections returns the frozen set of triples of a constructed
// abstraction, acquiring a handle for every referenced abstraction.
func (h *Handle) Connections(ctx context.Context) ([]Connection, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	triples, ok, err := h.store.backend.TripleSet(ctx, h.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !ok {
		return nil, fmt.Errorf("handle %q is not a constructed abstraction", h.id)
	}
	out := make([]Connection, len(triples))
	for i, t := range triples {
		out[i] = Connection{
			Sub:  h.store.slotSpecFor(t.Sub),
			Pred: h.store.slotSpecFor(t.Pred),
			Obj:  h.store.slotSpecFor(t.Obj),
		}
	}
	return out, nil
}

func (s *Store) slotSpecFor(sl abstraction.Slot) SlotSpec {
	if sl.IsSelf() {
		return SelfSlot()
	}
	id, _ := sl.RefID()
	return RefSlot(s.acquire(id))
}

// Remembered reports the persistent pin flag.
func (h *Handle) Remembered(ctx context.Context) (bool, error) {
	if err := h.checkAlive(); err != nil {
		return false, err
	}
	v, err := h.store.backend.Remembered(ctx, h.id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return v, nil
}

// SetRemembered sets the persistent pin flag. Clearing it may trigger a
// safe-delete probe.
func (h *Handle) SetRemembered(ctx context.Context, v bool) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	if err := h.store.backend.SetRemembered(ctx, h.id, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !v {
		return h.store.probeSafeDelete(ctx, h.id)
	}
	return nil
}

// ForceDelete overrides every pin and reference and cascades through
// every abstraction whose triples mentioned h.
func (h *Handle) ForceDelete(ctx context.Context) error {
	return h.store.ForceDelete(ctx, h.id)
}

// ForceDelete is the id-addressed form of Handle.ForceDelete, usable
// without holding a live handle (e.g. from the RALJ codec or the
// transformer, which track ids, not handles, for the source side).
// forceDeleteCascade already invalidates every outstanding handle in the
// forced set and re-probes it for safe deletion before returning.
func (s *Store) ForceDelete(ctx context.Context, id string) error {
	_, err := s.forceDeleteCascade(ctx, id)
	return err
}

func (s *Store) forceDeleteCascade(ctx context.Context, id string) ([]string, error) {
	finalForced := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if finalForced[cur] {
			continue
		}
		finalForced[cur] = true
		owners, err := s.backend.ForceDelete(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
		}
		for _, o := range owners {
			if !finalForced[o] {
				queue = append(queue, o)
			}
		}
	}

	forced := make([]string, 0, len(finalForced))
	for fid := range finalForced {
		forced = append(forced, fid)
	}

	// Invalidate outstanding handles for the whole forced set before the
	// safe-delete sweep, so the liveness check the sweep performs
	// reflects the deletion in progress rather than stale refcounts.
	for _, fid := range forced {
		s.mu.Lock()
		handles := s.live[fid]
		delete(s.live, fid)
		s.mu.Unlock()
		for hd := range handles {
			hd.markDeleted()
		}
	}

	toProbe := append([]string(nil), forced...)
	for len(toProbe) > 0 {
		cur := toProbe[len(toProbe)-1]
		toProbe = toProbe[:len(toProbe)-1]
		deleted, released, err := s.backend.SafeDeleteProbe(ctx, cur, s.isLive)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
		}
		if deleted {
			toProbe = append(toProbe, released...)
		}
	}

	return forced, nil
}

// InternData returns the canonical handle for (data, format).
func (s *Store) InternData(ctx context.Context, data, format string) (*Handle, error) {
	id, err := s.backend.InternData(ctx, data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return s.acquire(id), nil
}

// InternConstructed returns the canonical handle for the given triple
// set. Every non-SELF slot must be a live handle into this store.
func (s *Store) InternConstructed(ctx context.Context, triples []TripleSpec) (*Handle, error) {
	resolved := make([]abstraction.Triple, len(triples))
	for i, t := range triples {
		sub, err := s.resolveSlotSpec(t.Sub)
		if err != nil {
			return nil, err
		}
		pred, err := s.resolveSlotSpec(t.Pred)
		if err != nil {
			return nil, err
		}
		obj, err := s.resolveSlotSpec(t.Obj)
		if err != nil {
			return nil, err
		}
		resolved[i] = abstraction.Triple{Sub: sub, Pred: pred, Obj: obj}
	}
	id, err := s.backend.InternConstructed(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return s.acquire(id), nil
}

func (s *Store) resolveSlotSpec(sl SlotSpec) (abstraction.Slot, error) {
	if sl.self {
		return abstraction.Self(), nil
	}
	if sl.handle == nil {
		return abstraction.Slot{}, ErrInvalidSlot
	}
	if sl.handle.store != s {
		return abstraction.Slot{}, fmt.Errorf("%w: handle from a different store", ErrInvalidSlot)
	}
	if err := sl.handle.checkAlive(); err != nil {
		return abstraction.Slot{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	return abstraction.Ref(sl.handle.id), nil
}

// AllHandles returns a fresh handle to every abstraction currently
// stored; an observational snapshot only.
func (s *Store) AllHandles(ctx context.Context) ([]*Handle, error) {
	ids, err := s.backend.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	out := make([]*Handle, len(ids))
	for i, id := range ids {
		out[i] = s.acquire(id)
	}
	return out, nil
}

// Clear force-deletes every stored abstraction.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.backend.AllIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	for _, id := range ids {
		if err := s.ForceDelete(ctx, id); err != nil {
			return err
		}
	}
	return s.backend.Clear(ctx)
}

// IsValid reports whether h still names a live abstraction in this
// store.
func (s *Store) IsValid(h *Handle) bool {
	if h == nil || h.store != s {
		return false
	}
	return !h.IsDeleted()
}

// HandleToStringID returns the persistence key for h, for callers (the
// RALJ codec, the network transformer) that need a stable string form of
// a handle's identity.
func (s *Store) HandleToStringID(h *Handle) (string, error) {
	if h == nil || h.store != s {
		return "", ErrWrongStore
	}
	return h.id, nil
}

// StringIDToHandle resolves a persistence key back to a handle.
func (s *Store) StringIDToHandle(ctx context.Context, id string) (*Handle, error) {
	ok, err := s.backend.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.acquire(id), nil
}

// Backend exposes the underlying driver, for packages (search) that
// need direct read access to its indexes.
func (s *Store) Backend() Backend { return s.backend }

// AcquireID returns a fresh handle to an existing id, incrementing its
// live count. It is used by search to materialise bindings without
// re-deriving ids through InternData / InternConstructed.
func (s *Store) AcquireID(id string) *Handle {
	return s.acquire(id)
}

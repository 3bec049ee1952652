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

// Package ralj implements the RALJ codec (C5): loading and saving a
// closure of abstractions as a small JSON array, a direct port of
// loadRALJData/saveRALJData in ral_network/ralj_loader.py.
//
// The array has two required blocks — a data-concept block keyed by
// format then literal data, and a constructed-concept block keyed by a
// synthetic json node id — plus two optional shortcut blocks for a
// "direct abstraction" node kind that this store does not model; Load
// rejects a document that uses them non-trivially, and Save never
// emits them.
package ralj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gratach/ral/abstraction"
	"github.com/gratach/ral/store"
)

// ErrMalformedInput is returned when a RALJ document cannot be parsed
// or references a node kind this store cannot represent.
var ErrMalformedInput = errors.New("ral/ralj: malformed input")

type slotValue struct {
	isSelf bool
	id     string
}

func (s slotValue) MarshalJSON() ([]byte, error) {
	if s.isSelf {
		return []byte("0"), nil
	}
	return json.Marshal(s.id)
}

func decodeSlot(raw json.RawMessage) (self bool, nodeID string, err error) {
	var num float64
	if jerr := json.Unmarshal(raw, &num); jerr == nil {
		if num != 0 {
			return false, "", fmt.Errorf("%w: numeric triple slot must be 0", ErrMalformedInput)
		}
		return true, "", nil
	}
	var str string
	if jerr := json.Unmarshal(raw, &str); jerr == nil {
		return false, str, nil
	}
	return false, "", fmt.Errorf("%w: triple slot is neither 0 nor a string id", ErrMalformedInput)
}

// Load parses a RALJ document and interns every abstraction it
// describes into s, returning the handle for each json node id the
// document names. A node id that is never defined (a dangling
// reference) is silently left out of the result, matching the
// original loader.
func Load(ctx context.Context, s *store.Store, data []byte) (map[string]*store.Handle, error) {
	var blocks []json.RawMessage
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if len(blocks) > 4 {
		return nil, fmt.Errorf("%w: a RALJ document has at most 4 blocks", ErrMalformedInput)
	}

	var dataBlock map[string]map[string]string
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks[0], &dataBlock); err != nil {
			return nil, fmt.Errorf("%w: data block: %v", ErrMalformedInput, err)
		}
	}

	var constructedBlockLists map[string][][3]json.RawMessage
	if len(blocks) > 1 {
		if err := json.Unmarshal(blocks[1], &constructedBlockLists); err != nil {
			return nil, fmt.Errorf("%w: constructed block: %v", ErrMalformedInput, err)
		}
	}

	for i, label := range []string{"direct abstraction", "inverse direct abstraction"} {
		idx := 2 + i
		if len(blocks) <= idx {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(blocks[idx], &m); err != nil {
			return nil, fmt.Errorf("%w: %s block: %v", ErrMalformedInput, label, err)
		}
		if len(m) > 0 {
			return nil, fmt.Errorf("%w: %s block is not representable by this store", ErrMalformedInput, label)
		}
	}

	loaded := make(map[string]*store.Handle)

	for format, byData := range dataBlock {
		for dataStr, nodeID := range byData {
			h, err := s.InternData(ctx, dataStr, format)
			if err != nil {
				return nil, err
			}
			loaded[nodeID] = h
		}
	}

	relating := make(map[string]map[string]bool)
	unchecked := make(map[string]bool, len(constructedBlockLists))
	for id := range constructedBlockLists {
		unchecked[id] = true
	}

	for len(unchecked) > 0 {
		var id string
		for k := range unchecked {
			id = k
			break
		}
		delete(unchecked, id)

		conns := constructedBlockLists[id]
		allLoaded := true
		for _, conn := range conns {
			for _, raw := range conn {
				self, nodeID, err := decodeSlot(raw)
				if err != nil {
					return nil, err
				}
				if self {
					continue
				}
				if _, ok := loaded[nodeID]; !ok {
					allLoaded = false
					if relating[nodeID] == nil {
						relating[nodeID] = make(map[string]bool)
					}
					relating[nodeID][id] = true
					break
				}
			}
			if !allLoaded {
				break
			}
		}
		if !allLoaded {
			continue
		}

		specs := make([]store.TripleSpec, len(conns))
		for i, conn := range conns {
			var slots [3]store.SlotSpec
			for j, raw := range conn {
				self, nodeID, err := decodeSlot(raw)
				if err != nil {
					return nil, err
				}
				if self {
					slots[j] = store.SelfSlot()
				} else {
					slots[j] = store.RefSlot(loaded[nodeID])
				}
			}
			specs[i] = store.TripleSpec{Sub: slots[0], Pred: slots[1], Obj: slots[2]}
		}
		h, err := s.InternConstructed(ctx, specs)
		if err != nil {
			return nil, err
		}
		loaded[id] = h

		if rs, ok := relating[id]; ok {
			for rid := range rs {
				if _, ok := loaded[rid]; !ok {
					unchecked[rid] = true
				}
			}
			delete(relating, id)
		}
	}

	return loaded, nil
}

// Save serialises the closure reachable from roots (through their own
// connections) into a RALJ document.
func Save(ctx context.Context, s *store.Store, roots []*store.Handle) ([]byte, error) {
	handleByID := make(map[string]*store.Handle)
	for _, h := range roots {
		handleByID[h.ID()] = h
	}
	unchecked := make(map[string]bool, len(roots))
	for _, h := range roots {
		unchecked[h.ID()] = true
	}

	jsonNodeByID := make(map[string]string)
	relating := make(map[string]map[string]bool)
	saved := make(map[string]bool)
	nextIdx := 1
	newNodeName := func() string {
		name := strconv.Itoa(nextIdx)
		nextIdx++
		return name
	}

	dataBlock := make(map[string]map[string]string)
	constructedBlock := make(map[string][][3]slotValue)

	for len(unchecked) > 0 {
		var id string
		for k := range unchecked {
			id = k
			break
		}
		delete(unchecked, id)
		h := handleByID[id]

		kind, err := h.Kind(ctx)
		if err != nil {
			return nil, err
		}

		if kind == abstraction.Data {
			data, err := h.Data(ctx)
			if err != nil {
				return nil, err
			}
			format, err := h.Format(ctx)
			if err != nil {
				return nil, err
			}
			if dataBlock[format] == nil {
				dataBlock[format] = make(map[string]string)
			}
			name, ok := dataBlock[format][data]
			if !ok {
				name = newNodeName()
				dataBlock[format][data] = name
			}
			jsonNodeByID[id] = name
		} else {
			conns, err := h.Connections(ctx)
			if err != nil {
				return nil, err
			}
			allSaved := true
			for _, c := range conns {
				for _, sl := range []store.SlotSpec{c.Sub, c.Pred, c.Obj} {
					if sl.IsSelf() {
						continue
					}
					refH := sl.Handle()
					refID := refH.ID()
					if _, known := handleByID[refID]; !known {
						handleByID[refID] = refH
					}
					if !saved[refID] {
						allSaved = false
						if relating[refID] == nil {
							relating[refID] = make(map[string]bool)
						}
						relating[refID][id] = true
						unchecked[refID] = true
						break
					}
				}
				if !allSaved {
					break
				}
			}
			if !allSaved {
				continue
			}
			name := newNodeName()
			jsonNodeByID[id] = name
			jsonConns := make([][3]slotValue, len(conns))
			for i, c := range conns {
				jsonConns[i] = [3]slotValue{
					slotValueFor(c.Sub, jsonNodeByID),
					slotValueFor(c.Pred, jsonNodeByID),
					slotValueFor(c.Obj, jsonNodeByID),
				}
			}
			constructedBlock[name] = jsonConns
		}

		saved[id] = true
		if rs, ok := relating[id]; ok {
			for rid := range rs {
				if !saved[rid] {
					unchecked[rid] = true
				}
			}
			delete(relating, id)
		}
	}

	return json.Marshal([]interface{}{dataBlock, constructedBlock})
}

func slotValueFor(s store.SlotSpec, jsonNodeByID map[string]string) slotValue {
	if s.IsSelf() {
		return slotValue{isSelf: true}
	}
	return slotValue{id: jsonNodeByID[s.Handle().ID()]}
}

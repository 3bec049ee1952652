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

import "errors"

// Sentinel errors returned by store operations, optionally wrapped with
// fmt.Errorf("...: %w", ErrX) for additional context; callers should
// match with errors.Is. Not every failure carries one: asking a handle
// for the payload or connections of the other abstraction kind returns
// a plain error.
var (
	// ErrInvalidSlot is returned when a triple slot is not SELF and not a
	// handle belonging to the store being mutated.
	ErrInvalidSlot = errors.New("ral/store: invalid slot")
	// ErrShapeError names a triple that does not have exactly three
	// slots. TripleSpec always has exactly three slot fields, so no
	// operation in this module returns it.
	ErrShapeError = errors.New("ral/store: triple does not have the expected shape")
	// ErrUseAfterDelete is returned when a handle is used after its target
	// was force-deleted.
	ErrUseAfterDelete = errors.New("ral/store: use of handle after deletion")
	// ErrWrongStore is returned when a handle from one store is presented
	// to an operation on another store.
	ErrWrongStore = errors.New("ral/store: handle does not belong to this store")
	// ErrBackendIO is returned by the durable backend on any underlying
	// I/O or SQL failure.
	ErrBackendIO = errors.New("ral/store: backend I/O error")
	// ErrNotFound is returned by StringIDToHandle when the id is unknown
	// to the store.
	ErrNotFound = errors.New("ral/store: abstraction not found")
)

// Copyright 2025 Treeline DB, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package plan

import (
	"fmt"

	"github.com/TreelineDB/treeline/expr"
)

// Type is the declared type of a plan symbol.
type Type string

const (
	// Bigint is a 64-bit signed integer
	Bigint Type = "bigint"
	// Boolean is a boolean
	Boolean Type = "boolean"
	// Double is a 64-bit float
	Double Type = "double"
	// Varchar is a variable-length string
	Varchar Type = "varchar"
)

// Types maps every symbol in a plan to its type.
type Types map[expr.Ident]Type

// SymbolAllocator mints fresh symbols and owns the
// symbol-type mapping for one plan.
type SymbolAllocator struct {
	types Types
	next  int
}

// NewSymbolAllocator returns an allocator seeded with
// the given pre-existing symbol types. The map is owned
// by the allocator afterwards.
func NewSymbolAllocator(types Types) *SymbolAllocator {
	if types == nil {
		types = make(Types)
	}
	return &SymbolAllocator{types: types}
}

// Fresh mints a new symbol with the given name hint
// and type.
func (s *SymbolAllocator) Fresh(hint string, t Type) expr.Ident {
	if hint == "" {
		hint = "expr"
	}
	id := expr.Ident(fmt.Sprintf("%s_%d", hint, s.next))
	s.next++
	s.types[id] = t
	return id
}

// TypeOf returns the declared type of sym
// ("" if unknown).
func (s *SymbolAllocator) TypeOf(sym expr.Ident) Type {
	return s.types[sym]
}

// Types exposes the symbol-type mapping.
func (s *SymbolAllocator) Types() Types {
	return s.types
}

// IDAllocator mints plan-node ids and dynamic-filter
// ids. It is a plain monotonic counter: the single
// externally observable side effect of a pass, and
// must be serialized per plan.
type IDAllocator struct {
	next NodeID
	df   int
}

// NewIDAllocator returns an allocator whose next id
// follows the given starting point.
func NewIDAllocator(start NodeID) *IDAllocator {
	return &IDAllocator{next: start}
}

// NextID returns a fresh plan-node id.
func (a *IDAllocator) NextID() NodeID {
	id := a.next
	a.next++
	return id
}

// NextFilterID returns a fresh opaque dynamic-filter id.
// Callers must match ids by role, never by literal value.
func (a *IDAllocator) NextFilterID() string {
	id := fmt.Sprintf("df_%d", a.df)
	a.df++
	return id
}

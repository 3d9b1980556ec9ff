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

package expr

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Conjuncts splits e into its top-level AND operands.
// TRUE (and nil) is the empty conjunction.
func Conjuncts(e Node) []Node {
	return conjuncts(e, nil)
}

func conjuncts(e Node, lst []Node) []Node {
	if e == nil {
		return lst
	}
	if b, ok := e.(Bool); ok && bool(b) {
		return lst
	}
	a, ok := e.(*Logical)
	if !ok || a.Op != OpAnd {
		return append(lst, e)
	}
	return conjuncts(a.Right, conjuncts(a.Left, lst))
}

// Combine is the inverse of Conjuncts: it returns the
// given expressions joined with AND, or TRUE for an
// empty list. Nested conjunctions are flattened and
// structurally duplicate conjuncts are dropped, keeping
// first occurrences in order.
func Combine(lst []Node) Node {
	var flat []Node
	for i := range lst {
		flat = conjuncts(lst[i], flat)
	}
	seen := make(map[uint64][]Node, len(flat))
	var out Node
outer:
	for _, c := range flat {
		fp := Fingerprint(c)
		for _, prev := range seen[fp] {
			if prev.Equals(c) {
				continue outer
			}
		}
		seen[fp] = append(seen[fp], c)
		if out == nil {
			out = c
		} else {
			out = And(out, c)
		}
	}
	if out == nil {
		return Bool(true)
	}
	return out
}

// Conjoin returns (x AND y) with TRUE operands elided.
func Conjoin(x, y Node) Node {
	return Combine([]Node{x, y})
}

// IsTrue returns whether e is the TRUE literal
// (or nil, the empty conjunction).
func IsTrue(e Node) bool {
	if e == nil {
		return true
	}
	b, ok := e.(Bool)
	return ok && bool(b)
}

// IsFalse returns whether e is the FALSE literal.
func IsFalse(e Node) bool {
	b, ok := e.(Bool)
	return ok && !bool(b)
}

// nondeterministic functions produce a value that
// does not depend solely on their arguments
var nondeterministic = map[string]bool{
	"random":  true,
	"rand":    true,
	"uuid":    true,
	"now":     true,
	"shuffle": true,
}

// TryFunc is the name of the exception-suppressing
// TRY function; its calls must never be relocated
// across a projection boundary.
const TryFunc = "try"

// IsDeterministic returns whether every function
// referenced by e is deterministic.
func IsDeterministic(e Node) bool {
	det := true
	Walk(WalkFunc(func(n Node) bool {
		if c, ok := n.(*Call); ok && nondeterministic[c.Func] {
			det = false
		}
		return det
	}), e)
	return det
}

// FilterDeterministic drops the non-deterministic
// conjuncts of e and returns the remainder.
func FilterDeterministic(e Node) Node {
	conj := Conjuncts(e)
	kept := conj[:0]
	for i := range conj {
		if IsDeterministic(conj[i]) {
			kept = append(kept, conj[i])
		}
	}
	return Combine(kept)
}

// ContainsTry returns whether e contains a TRY call.
func ContainsTry(e Node) bool {
	found := false
	Walk(WalkFunc(func(n Node) bool {
		if c, ok := n.(*Call); ok && c.Func == TryFunc {
			found = true
		}
		return !found
	}), e)
	return found
}

// FreeVars returns the sorted, de-duplicated set
// of symbols referenced by e.
func FreeVars(e Node) []Ident {
	occ := Occurrences(e)
	vars := maps.Keys(occ)
	slices.Sort(vars)
	return vars
}

// Occurrences counts how many times each symbol
// is referenced by e.
func Occurrences(e Node) map[Ident]int {
	occ := make(map[Ident]int)
	Walk(WalkFunc(func(n Node) bool {
		if id, ok := n.(Ident); ok {
			occ[id]++
		}
		return true
	}), e)
	return occ
}

// VarsIn returns whether every symbol referenced
// by e satisfies the scope predicate.
func VarsIn(e Node, scope func(Ident) bool) bool {
	ok := true
	Walk(WalkFunc(func(n Node) bool {
		if id, isid := n.(Ident); isid && !scope(id) {
			ok = false
		}
		return ok
	}), e)
	return ok
}

// InScope returns a scope predicate matching
// exactly the given symbols.
func InScope(syms []Ident) func(Ident) bool {
	set := make(map[Ident]bool, len(syms))
	for i := range syms {
		set[syms[i]] = true
	}
	return func(id Ident) bool { return set[id] }
}

// NotInScope returns the complement of InScope(syms).
func NotInScope(syms []Ident) func(Ident) bool {
	in := InScope(syms)
	return func(id Ident) bool { return !in(id) }
}

type substrw struct {
	bind map[Ident]Node
}

func (s *substrw) Rewrite(n Node) Node {
	if id, ok := n.(Ident); ok {
		if repl, ok := s.bind[id]; ok {
			return repl
		}
	}
	return n
}

func (s *substrw) Walk(Node) Rewriter { return s }

// ReplaceVars substitutes each symbol in bind
// with its replacement expression.
func ReplaceVars(e Node, bind map[Ident]Node) Node {
	if len(bind) == 0 {
		return e
	}
	return Rewrite(&substrw{bind: bind}, e)
}

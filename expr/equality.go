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

// Inference is a closure over a set of known
// equality predicates. It can rewrite a conjunct
// into a target variable scope using the implied
// equalities, and synthesize the equalities that
// hold within, outside, or across a scope.
type Inference struct {
	parent map[string]string // union-find over textual keys
	node   map[string]Node   // key -> expression
}

// NewInference builds an Inference from the
// equality conjuncts of the given expressions.
// A conjunct contributes iff it is a deterministic
// comparison (a = b) between two distinct non-NULL
// expressions, at least one of which references a
// symbol; all other conjuncts are ignored
// (see NonInferrable).
func NewInference(exprs ...Node) *Inference {
	inf := &Inference{
		parent: make(map[string]string),
		node:   make(map[string]Node),
	}
	for i := range exprs {
		for _, c := range Conjuncts(exprs[i]) {
			if cmp, ok := inferenceCandidate(c); ok {
				inf.union(cmp.Left, cmp.Right)
			}
		}
	}
	return inf
}

func inferenceCandidate(c Node) (*Comparison, bool) {
	cmp, ok := c.(*Comparison)
	if !ok || cmp.Op != OpEquals || !IsDeterministic(cmp) {
		return nil, false
	}
	if isNullConst(cmp.Left) || isNullConst(cmp.Right) {
		// x = NULL is never TRUE; nothing to infer
		return nil, false
	}
	if cmp.Left.Equals(cmp.Right) {
		return nil, false
	}
	if len(FreeVars(cmp)) == 0 {
		// constant = constant carries no rewriting power
		return nil, false
	}
	return cmp, true
}

// NonInferrable returns the conjuncts of e that
// do not contribute equalities to an Inference.
func NonInferrable(e Node) []Node {
	var out []Node
	for _, c := range Conjuncts(e) {
		if _, ok := inferenceCandidate(c); !ok {
			out = append(out, c)
		}
	}
	return out
}

func (inf *Inference) intern(e Node) string {
	k := ToString(e)
	if _, ok := inf.node[k]; !ok {
		inf.node[k] = e
		inf.parent[k] = k
	}
	return k
}

func (inf *Inference) find(k string) string {
	for inf.parent[k] != k {
		inf.parent[k] = inf.parent[inf.parent[k]]
		k = inf.parent[k]
	}
	return k
}

func (inf *Inference) union(a, b Node) {
	ra, rb := inf.find(inf.intern(a)), inf.find(inf.intern(b))
	if ra != rb {
		inf.parent[ra] = rb
	}
}

// classes returns root -> member expressions,
// members sorted canonically.
func (inf *Inference) classes() map[string][]Node {
	out := make(map[string][]Node)
	keys := maps.Keys(inf.node)
	slices.Sort(keys)
	for _, k := range keys {
		r := inf.find(k)
		out[r] = append(out[r], inf.node[k])
	}
	for r := range out {
		slices.SortFunc(out[r], canonicalCmp)
	}
	return out
}

// canonicalCmp orders expressions for canonical-member
// selection: fewest free variables first, then smallest
// tree, then lexical text. The ordering is total, so
// canonical choice is deterministic.
func canonicalCmp(a, b Node) int {
	av, bv := len(FreeVars(a)), len(FreeVars(b))
	if av != bv {
		return av - bv
	}
	as, bs := treeSize(a), treeSize(b)
	if as != bs {
		return as - bs
	}
	at, bt := ToString(a), ToString(b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return 0
}

func treeSize(e Node) int {
	n := 0
	Walk(WalkFunc(func(Node) bool { n++; return true }), e)
	return n
}

// members returns the equivalence class of e,
// sorted canonically, or nil if e is not known.
func (inf *Inference) members(e Node) []Node {
	k := ToString(e)
	if _, ok := inf.node[k]; !ok {
		return nil
	}
	r := inf.find(k)
	var out []Node
	keys := maps.Keys(inf.node)
	slices.Sort(keys)
	for _, mk := range keys {
		if inf.find(mk) == r {
			out = append(out, inf.node[mk])
		}
	}
	slices.SortFunc(out, canonicalCmp)
	return out
}

// Rewrite attempts to rewrite the deterministic
// conjunct e so that every symbol it references
// satisfies scope, substituting equivalent
// expressions where necessary. It returns nil if
// e is non-deterministic or no such rewrite exists.
func (inf *Inference) Rewrite(e Node, scope func(Ident) bool) Node {
	if !IsDeterministic(e) {
		return nil
	}
	return inf.rewriteNode(e, scope)
}

// RewriteLoose is Rewrite without the determinism
// precondition on e itself; substitutions still use
// only the (deterministic) known equalities. It is
// used where a non-deterministic conjunct is allowed
// to move as a whole.
func (inf *Inference) RewriteLoose(e Node, scope func(Ident) bool) Node {
	return inf.rewriteNode(e, scope)
}

func (inf *Inference) rewriteNode(e Node, scope func(Ident) bool) Node {
	// whole-expression substitution first: the most
	// canonical in-scope member of e's class wins
	if sub := inf.scopedCanonical(e, scope); sub != nil {
		return sub
	}
	switch e := e.(type) {
	case Ident:
		if scope(e) {
			return e
		}
		return nil
	case Bool, Integer, Float, String, Null:
		return e
	case *Logical:
		left := inf.rewriteNode(e.Left, scope)
		right := inf.rewriteNode(e.Right, scope)
		if left == nil || right == nil {
			return nil
		}
		return &Logical{Op: e.Op, Left: left, Right: right}
	case *Not:
		inner := inf.rewriteNode(e.Expr, scope)
		if inner == nil {
			return nil
		}
		return &Not{Expr: inner}
	case *IsNull:
		inner := inf.rewriteNode(e.Expr, scope)
		if inner == nil {
			return nil
		}
		return &IsNull{Expr: inner}
	case *Comparison:
		left := inf.rewriteNode(e.Left, scope)
		right := inf.rewriteNode(e.Right, scope)
		if left == nil || right == nil {
			return nil
		}
		return &Comparison{Op: e.Op, Left: left, Right: right}
	case *Arithmetic:
		left := inf.rewriteNode(e.Left, scope)
		right := inf.rewriteNode(e.Right, scope)
		if left == nil || right == nil {
			return nil
		}
		return &Arithmetic{Op: e.Op, Left: left, Right: right}
	case *Call:
		args := make([]Node, len(e.Args))
		for i := range e.Args {
			args[i] = inf.rewriteNode(e.Args[i], scope)
			if args[i] == nil {
				return nil
			}
		}
		return &Call{Func: e.Func, Args: args}
	}
	return nil
}

func (inf *Inference) scopedCanonical(e Node, scope func(Ident) bool) Node {
	for _, m := range inf.members(e) {
		if VarsIn(m, scope) {
			return m
		}
	}
	return nil
}

// EqualityPartition is the result of partitioning
// the known equalities by a variable scope.
type EqualityPartition struct {
	// Scope are equalities mentioning only in-scope symbols.
	Scope []Node
	// Complement are equalities mentioning only out-of-scope symbols.
	Complement []Node
	// Straddling are equalities connecting the two partitions.
	Straddling []Node
}

// PartitionedBy regenerates the known equalities,
// partitioned by the given scope. The union of the
// three groups is logically equivalent to the set
// of equalities the Inference was built from.
func (inf *Inference) PartitionedBy(scope func(Ident) bool) EqualityPartition {
	var part EqualityPartition
	classes := inf.classes()
	roots := maps.Keys(classes)
	slices.Sort(roots)
	for _, r := range roots {
		members := classes[r]
		if len(members) < 2 {
			continue
		}
		var in, out, straddle []Node
		for _, m := range members {
			inScope := VarsIn(m, scope)
			inComplement := VarsIn(m, func(id Ident) bool { return !scope(id) })
			// a constant anchors both partitions
			if inScope {
				in = append(in, m)
			}
			if inComplement {
				out = append(out, m)
			}
			if !inScope && !inComplement {
				straddle = append(straddle, m)
			}
		}
		chain := func(lst []Node) []Node {
			var eqs []Node
			for i := 1; i < len(lst); i++ {
				eqs = append(eqs, Equality(lst[0], lst[i]))
			}
			return eqs
		}
		part.Scope = append(part.Scope, chain(in)...)
		part.Complement = append(part.Complement, chain(out)...)
		var base Node
		switch {
		case len(in) > 0:
			base = in[0]
		case len(out) > 0:
			base = out[0]
		case len(straddle) > 0:
			base = straddle[0]
			straddle = straddle[1:]
		}
		for _, m := range straddle {
			part.Straddling = append(part.Straddling, Equality(base, m))
		}
		if len(in) > 0 && len(out) > 0 && !in[0].Equals(out[0]) {
			part.Straddling = append(part.Straddling, Equality(in[0], out[0]))
		}
	}
	return part
}

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

package pushdown

import (
	"github.com/TreelineDB/treeline/expr"
	"github.com/TreelineDB/treeline/plan"
)

// effective conservatively summarizes the predicate that
// is guaranteed to hold on every row a subtree produces.
// TRUE is always a sound answer; the summary only ever
// contains deterministic conjuncts whose free variables
// are within the subtree's output scope.
func (r *rewriter) effective(n plan.Node) expr.Node {
	out := r.effectiveOf(n)
	// clamp to the output scope: anything the operator does
	// not re-export cannot be part of its summary. Dynamic
	// filters are runtime placeholders, not logical facts.
	scope := expr.InScope(n.Outputs())
	var kept []expr.Node
	for _, c := range expr.Conjuncts(out) {
		if expr.VarsIn(c, scope) && !containsDynamicFilter(c) {
			kept = append(kept, c)
		}
	}
	return expr.Combine(kept)
}

func (r *rewriter) effectiveOf(n plan.Node) expr.Node {
	switch n := n.(type) {
	case *plan.Filter:
		return expr.Conjoin(r.effective(n.Source), expr.FilterDeterministic(n.Predicate))
	case *plan.Project:
		return r.effectiveProject(n)
	case *plan.Join:
		return r.effectiveJoin(n)
	case *plan.SemiJoin:
		return r.effective(n.Source)
	case *plan.Aggregation:
		if n.GlobalSet {
			return expr.Bool(true)
		}
		keys := expr.InScope(n.GroupingKeys)
		var kept []expr.Node
		for _, c := range expr.Conjuncts(r.effective(n.Source)) {
			if expr.VarsIn(c, keys) {
				kept = append(kept, c)
			}
		}
		return expr.Combine(kept)
	case *plan.Window, *plan.Sort, *plan.Sample, *plan.MarkDistinct, *plan.AssignUniqueID:
		return r.effective(n.Children()[0])
	}
	return expr.Bool(true)
}

// effectiveProject rewrites the child summary into the
// projection's output scope, using the assignments as
// extra equalities.
func (r *rewriter) effectiveProject(n *plan.Project) expr.Node {
	var eqs []expr.Node
	for _, a := range n.Assignments {
		if expr.IsDeterministic(a.Expr) && !a.Expr.Equals(a.Sym) {
			eqs = append(eqs, expr.Equality(a.Sym, a.Expr))
		}
	}
	underlying := expr.Conjoin(r.effective(n.Source), expr.Combine(eqs))
	scope := expr.InScope(n.Outputs())
	inf := expr.NewInference(underlying)
	var kept []expr.Node
	for _, c := range expr.Conjuncts(underlying) {
		if rw := dropTrivial(inf.Rewrite(c, scope)); rw != nil {
			kept = append(kept, rw)
		}
	}
	kept = append(kept, inf.PartitionedBy(scope).Scope...)
	return expr.Combine(kept)
}

func (r *rewriter) effectiveJoin(n *plan.Join) expr.Node {
	switch n.Type {
	case plan.Inner:
		conj := []expr.Node{r.effective(n.Left), r.effective(n.Right)}
		for _, c := range n.Criteria {
			conj = append(conj, expr.Equality(c.Left, c.Right))
		}
		if n.Filter != nil {
			conj = append(conj, expr.FilterDeterministic(n.Filter))
		}
		return expr.Combine(conj)
	case plan.Left:
		return r.effective(n.Left)
	case plan.Right:
		return r.effective(n.Right)
	}
	return expr.Bool(true)
}

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

// Package pushdown implements the predicate-pushdown
// optimizer pass: a single top-down rewrite that moves
// each filter conjunct as close to its source as the
// intervening operators allow, normalizes outer joins
// whose inherited predicate rejects padded rows, and
// synthesizes dynamic filters at hash-join probe sites.
package pushdown

import (
	"fmt"

	"github.com/TreelineDB/treeline/expr"
	"github.com/TreelineDB/treeline/plan"

	"github.com/sirupsen/logrus"
)

type rewriter struct {
	sess  *plan.Session
	syms  *plan.SymbolAllocator
	ids   *plan.IDAllocator
	warns plan.WarningCollector
	log   *logrus.Entry
}

// Optimize rewrites the plan so that every filter
// predicate is evaluated as close as possible to the
// data source it constrains. The result is semantically
// equivalent to the input; unchanged subtrees are shared
// by reference.
func Optimize(root plan.Node, sess *plan.Session, syms *plan.SymbolAllocator, ids *plan.IDAllocator, warns plan.WarningCollector) plan.Node {
	span := sess.Tracer().StartSpan("predicate_pushdown")
	defer span.Finish()
	r := &rewriter{
		sess:  sess,
		syms:  syms,
		ids:   ids,
		warns: warns,
		log:   sess.Logger(),
	}
	return r.rewrite(root, expr.Bool(true))
}

// rewrite visits n under the inherited predicate pred:
// the conjunction of all ancestor-level conjuncts not
// yet consumed. Every conjunct of pred is either pushed
// into a descendant, absorbed into a node-intrinsic
// predicate, or re-emitted in a Filter above n.
func (r *rewriter) rewrite(n plan.Node, pred expr.Node) plan.Node {
	switch n := n.(type) {
	case *plan.Filter:
		return r.visitFilter(n, pred)
	case *plan.Project:
		return r.visitProject(n, pred)
	case *plan.Window:
		return r.visitWindow(n, pred)
	case *plan.MarkDistinct:
		return r.visitMarkDistinct(n, pred)
	case *plan.GroupID:
		return r.visitGroupID(n, pred)
	case *plan.Aggregation:
		return r.visitAggregation(n, pred)
	case *plan.Unnest:
		return r.visitUnnest(n, pred)
	case *plan.Union:
		return r.visitUnion(n, pred)
	case *plan.Exchange:
		return r.visitExchange(n, pred)
	case *plan.Join:
		return r.visitJoin(n, pred)
	case *plan.SpatialJoin:
		return r.visitSpatialJoin(n, pred)
	case *plan.SemiJoin:
		return r.visitSemiJoin(n, pred)
	case *plan.TableScan:
		return r.visitTableScan(n, pred)
	case *plan.CTEScan:
		return r.visitCTEScan(n, pred)
	case *plan.AssignUniqueID:
		return r.visitAssignUniqueID(n, pred)
	case *plan.Sort, *plan.Sample:
		// transparent: every row passes through unchanged
		child := r.rewrite(n.Children()[0], pred)
		return plan.ReplaceChildren(n, []plan.Node{child}, r.ids)
	}
	return r.defaultRule(n, pred)
}

// defaultRule blocks pushdown entirely: children are
// visited with TRUE and any pending predicate is
// re-emitted as a Filter above the node.
func (r *rewriter) defaultRule(n plan.Node, pred expr.Node) plan.Node {
	old := n.Children()
	kids := make([]plan.Node, len(old))
	for i := range old {
		kids[i] = r.rewrite(old[i], expr.Bool(true))
	}
	return r.wrap(plan.ReplaceChildren(n, kids, r.ids), pred)
}

func (r *rewriter) wrap(n plan.Node, pred expr.Node) plan.Node {
	if expr.IsTrue(pred) {
		return n
	}
	return &plan.Filter{Id: r.ids.NextID(), Source: n, Predicate: pred}
}

func (r *rewriter) visitFilter(n *plan.Filter, pred expr.Node) plan.Node {
	result := r.rewrite(n.Source, expr.Conjoin(n.Predicate, pred))
	// preserve structural identity when the rewrite
	// reproduced this exact filter
	if rf, ok := result.(*plan.Filter); ok && rf.Source == n.Source && expr.Equal(rf.Predicate, n.Predicate) {
		return n
	}
	return result
}

func (r *rewriter) visitProject(n *plan.Project, pred expr.Node) plan.Node {
	bind := make(map[expr.Ident]expr.Node, len(n.Assignments))
	for _, a := range n.Assignments {
		bind[a.Sym] = a.Expr
	}
	var push, keep []expr.Node
	for _, c := range expr.Conjuncts(pred) {
		if !r.projectPushable(n, c) {
			keep = append(keep, c)
			continue
		}
		push = append(push, expr.ReplaceVars(c, bind))
	}
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

// projectPushable decides whether a conjunct may be
// inlined through the projection: it must be
// deterministic, free of TRY calls (their
// exception-suppression point must not move), depend
// only on deterministically-assigned symbols, and be an
// inlining candidate (each referenced symbol appears at
// most once, or its defining expression is a constant,
// so inlining cannot duplicate work or side conditions).
func (r *rewriter) projectPushable(n *plan.Project, c expr.Node) bool {
	if !expr.IsDeterministic(c) || expr.ContainsTry(c) {
		return false
	}
	occ := expr.Occurrences(c)
	for sym, count := range occ {
		def := n.Assignments.Get(sym)
		if def == nil {
			panic(plan.ErrScopeViolation.New(fmt.Sprintf("conjunct %s references %s, not produced by projection", expr.ToString(c), sym)))
		}
		if !expr.IsDeterministic(def) {
			return false
		}
		if count > 1 && !expr.IsConstant(def) {
			return false
		}
	}
	return true
}

func (r *rewriter) visitWindow(n *plan.Window, pred expr.Node) plan.Node {
	partition := expr.InScope(n.PartitionBy)
	var push, keep []expr.Node
	for _, c := range expr.Conjuncts(pred) {
		if expr.IsDeterministic(c) && expr.VarsIn(c, partition) {
			push = append(push, c)
		} else {
			keep = append(keep, c)
		}
	}
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

func (r *rewriter) visitMarkDistinct(n *plan.MarkDistinct, pred expr.Node) plan.Node {
	keys := expr.InScope(n.Distinct)
	var push, keep []expr.Node
	for _, c := range expr.Conjuncts(pred) {
		if expr.IsDeterministic(c) && expr.VarsIn(c, keys) {
			push = append(push, c)
		} else {
			keep = append(keep, c)
		}
	}
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

func (r *rewriter) visitGroupID(n *plan.GroupID, pred expr.Node) plan.Node {
	common := make(map[expr.Ident]expr.Node, len(n.CommonGrouping))
	scope := func(id expr.Ident) bool {
		_, ok := n.CommonGrouping[id]
		return ok
	}
	for out, in := range n.CommonGrouping {
		common[out] = in
	}
	var push, keep []expr.Node
	for _, c := range expr.Conjuncts(pred) {
		if expr.IsDeterministic(c) && expr.VarsIn(c, scope) {
			push = append(push, expr.ReplaceVars(c, common))
		} else {
			keep = append(keep, c)
		}
	}
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

func (r *rewriter) visitAggregation(n *plan.Aggregation, pred expr.Node) plan.Node {
	if n.GlobalSet {
		// a global aggregation row exists even when the
		// input is empty; nothing may cross it
		return r.defaultRule(n, pred)
	}
	keys := expr.InScope(n.GroupingKeys)
	inf := expr.NewInference(pred)
	var push, keep []expr.Node
	for _, c := range expr.NonInferrable(pred) {
		if !expr.IsDeterministic(c) || (n.GroupIDSym != "" && mentions(c, n.GroupIDSym)) {
			keep = append(keep, c)
			continue
		}
		if rw := inf.Rewrite(c, keys); rw != nil {
			push = append(push, rw)
		} else {
			keep = append(keep, c)
		}
	}
	part := inf.PartitionedBy(keys)
	push = append(push, part.Scope...)
	keep = append(keep, part.Complement...)
	keep = append(keep, part.Straddling...)
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

func (r *rewriter) visitUnnest(n *plan.Unnest, pred expr.Node) plan.Node {
	replicated := expr.InScope(n.Replicated)
	inf := expr.NewInference(pred)
	var push, keep []expr.Node
	for _, c := range expr.NonInferrable(pred) {
		if !expr.IsDeterministic(c) {
			keep = append(keep, c)
			continue
		}
		if rw := inf.Rewrite(c, replicated); rw != nil {
			push = append(push, rw)
		} else {
			keep = append(keep, c)
		}
	}
	part := inf.PartitionedBy(replicated)
	push = append(push, part.Scope...)
	keep = append(keep, part.Complement...)
	keep = append(keep, part.Straddling...)
	child := r.rewrite(n.Source, expr.Combine(push))
	return r.wrap(plan.ReplaceChildren(n, []plan.Node{child}, r.ids), expr.Combine(keep))
}

func (r *rewriter) visitUnion(n *plan.Union, pred expr.Node) plan.Node {
	kids := make([]plan.Node, len(n.Sources))
	for i := range n.Sources {
		// each source row is reflected at most once in the
		// output, so non-deterministic conjuncts may cross
		kids[i] = r.rewrite(n.Sources[i], expr.ReplaceVars(pred, n.InputMapping(i)))
	}
	return plan.ReplaceChildren(n, kids, r.ids)
}

func (r *rewriter) visitExchange(n *plan.Exchange, pred expr.Node) plan.Node {
	kids := make([]plan.Node, len(n.Sources))
	for i := range n.Sources {
		kids[i] = r.rewrite(n.Sources[i], expr.ReplaceVars(pred, n.InputMapping(i)))
	}
	return plan.ReplaceChildren(n, kids, r.ids)
}

func (r *rewriter) visitTableScan(n *plan.TableScan, pred expr.Node) plan.Node {
	// the connector rules downstream translate a filter
	// directly above a scan into index and partition pruning
	return r.wrap(n, expr.Simplify(pred))
}

func (r *rewriter) visitCTEScan(n *plan.CTEScan, pred expr.Node) plan.Node {
	if r.sess.DynamicFiltering && containsDynamicFilter(pred) {
		// record the predicate verbatim at the CTE boundary;
		// decomposing it would strip the dynamic-filter conjuncts
		cp := *n
		cp.Id = r.ids.NextID()
		cp.Source = r.rewrite(n.Source, expr.Bool(true))
		cp.Predicate = expr.Conjoin(n.Predicate, pred)
		return &cp
	}
	return r.defaultRule(n, pred)
}

func (r *rewriter) visitAssignUniqueID(n *plan.AssignUniqueID, pred expr.Node) plan.Node {
	if mentions(pred, n.IDSym) {
		panic(plan.ErrScopeViolation.New(fmt.Sprintf("predicate %s references generated unique id %s", expr.ToString(pred), n.IDSym)))
	}
	return r.defaultRule(n, pred)
}

func mentions(e expr.Node, sym expr.Ident) bool {
	return expr.Occurrences(e)[sym] > 0
}

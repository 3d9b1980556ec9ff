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

func (r *rewriter) visitSemiJoin(n *plan.SemiJoin, pred expr.Node) plan.Node {
	if mentions(pred, n.Output) {
		return r.visitFilteringSemiJoin(n, pred)
	}
	return r.visitNonFilteringSemiJoin(n, pred)
}

// visitNonFilteringSemiJoin handles predicates that do not
// test the semi-join marker: every conjunct constrains only
// source rows, and each source row appears exactly once in
// the output, so even non-deterministic conjuncts may move
// to the source side.
func (r *rewriter) visitNonFilteringSemiJoin(n *plan.SemiJoin, pred expr.Node) plan.Node {
	sourceScope := expr.InScope(n.Source.Outputs())
	inf := expr.NewInference(pred)

	var push, keep []expr.Node
	for _, c := range expr.NonInferrable(pred) {
		if rw := inf.RewriteLoose(c, sourceScope); rw != nil {
			push = append(push, rw)
		} else {
			keep = append(keep, c)
		}
	}
	part := inf.PartitionedBy(sourceScope)
	push = append(push, part.Scope...)
	keep = append(keep, part.Complement...)
	keep = append(keep, part.Straddling...)

	newSource := r.rewrite(n.Source, expr.Combine(push))
	newFiltering := r.rewrite(n.Filtering, expr.Bool(true))
	out := plan.ReplaceChildren(n, []plan.Node{newSource, newFiltering}, r.ids)
	return r.wrap(out, expr.Combine(keep))
}

// dropTrivial discards an equality whose rewrite
// collapsed both sides onto the same canonical member;
// the underlying equivalence class is re-emitted by the
// scope partitions instead.
func dropTrivial(e expr.Node) expr.Node {
	if cmp, ok := e.(*expr.Comparison); ok && cmp.Op == expr.OpEquals && cmp.Left.Equals(cmp.Right) {
		return nil
	}
	return e
}

// isInferred reports whether a conjunct was absorbed
// into the equality inference (and is therefore
// conserved by the partition re-emissions).
func isInferred(c expr.Node) bool {
	return len(expr.NonInferrable(c)) == 0
}

// visitFilteringSemiJoin handles predicates that test the
// semi-join marker: the filtering source's rows then matter
// per source row, so conjuncts may migrate to either side
// through the join-key equality, but non-deterministic
// conjuncts may never reach the filtering side.
func (r *rewriter) visitFilteringSemiJoin(n *plan.SemiJoin, pred expr.Node) plan.Node {
	sourceScope := expr.InScope(n.Source.Outputs())
	filterScope := expr.InScope(n.Filtering.Outputs())

	detPred := expr.FilterDeterministic(pred)
	sourceEff := r.effective(n.Source)
	filterEff := r.effective(n.Filtering)
	joinEq := expr.Equality(n.SourceKey, n.FilterKey)

	all := expr.NewInference(detPred, sourceEff, filterEff, joinEq)
	withoutSourceEff := expr.NewInference(detPred, filterEff, joinEq)
	withoutFilterEff := expr.NewInference(detPred, sourceEff, joinEq)

	var sourcePush, filterPush, keep []expr.Node
	for _, c := range expr.Conjuncts(pred) {
		if mentions(c, n.Output) {
			// the marker exists only above the join
			keep = append(keep, c)
			continue
		}
		if !expr.IsDeterministic(c) {
			// the source side reflects each row once, so a
			// non-deterministic conjunct may still move there
			if rw := all.RewriteLoose(c, sourceScope); rw != nil {
				sourcePush = append(sourcePush, rw)
			} else {
				keep = append(keep, c)
			}
			continue
		}
		s := dropTrivial(all.Rewrite(c, sourceScope))
		f := dropTrivial(all.Rewrite(c, filterScope))
		if s != nil {
			sourcePush = append(sourcePush, s)
		}
		if f != nil {
			filterPush = append(filterPush, f)
		}
		if s == nil && f == nil && !isInferred(c) {
			keep = append(keep, c)
		}
	}

	// transfer effective predicates across the join key
	for _, c := range expr.NonInferrable(filterEff) {
		if s := all.Rewrite(c, sourceScope); s != nil {
			sourcePush = append(sourcePush, s)
		}
	}
	for _, c := range expr.NonInferrable(sourceEff) {
		if f := all.Rewrite(c, filterScope); f != nil {
			filterPush = append(filterPush, f)
		}
	}

	sourcePush = append(sourcePush, withoutSourceEff.PartitionedBy(sourceScope).Scope...)
	filterPush = append(filterPush, withoutFilterEff.PartitionedBy(filterScope).Scope...)

	dfID := n.DynamicFilterID
	if r.sess.DynamicFiltering && dfID == "" {
		dfID = r.ids.NextFilterID()
		sourcePush = append(sourcePush, dynamicFilterPredicate(dfID, n.SourceKey, ""))
	}

	newSource := r.rewrite(n.Source, expr.Combine(sourcePush))
	newFiltering := r.rewrite(n.Filtering, expr.Combine(filterPush))

	out := plan.Node(n)
	if newSource != n.Source || newFiltering != n.Filtering || dfID != n.DynamicFilterID {
		out = &plan.SemiJoin{
			Id:              r.ids.NextID(),
			Source:          newSource,
			Filtering:       newFiltering,
			SourceKey:       n.SourceKey,
			FilterKey:       n.FilterKey,
			Output:          n.Output,
			DynamicFilterID: dfID,
		}
	}
	return r.wrap(out, expr.Combine(keep))
}

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
	"fmt"

	"github.com/TreelineDB/treeline/expr"
	"github.com/TreelineDB/treeline/plan"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// innerJoinResult is the decomposition of the predicates
// around an inner join into per-side, join-level, and
// post-join fragments.
type innerJoinResult struct {
	left, right, join, post expr.Node
}

// outerJoinResult is the analogous decomposition for an
// outer join; outer is the preserved side, inner the
// null-padded one.
type outerJoinResult struct {
	outer, inner, join, post expr.Node
}

func joinPredicate(n *plan.Join) expr.Node {
	conj := make([]expr.Node, 0, len(n.Criteria)+1)
	for _, c := range n.Criteria {
		conj = append(conj, expr.Equality(c.Left, c.Right))
	}
	if n.Filter != nil {
		conj = append(conj, n.Filter)
	}
	return expr.Combine(conj)
}

// nullRejects reports whether some deterministic
// conjunct of pred folds to NULL or FALSE once every
// symbol of the given side is bound to NULL.
func nullRejects(pred expr.Node, side []expr.Ident) bool {
	bind := make(map[expr.Ident]expr.Node, len(side))
	for _, s := range side {
		bind[s] = expr.Null{}
	}
	for _, c := range expr.Conjuncts(pred) {
		if !expr.IsDeterministic(c) {
			continue
		}
		folded := expr.Simplify(expr.ReplaceVars(c, bind))
		if expr.IsFalse(folded) || folded.Equals(expr.Null{}) {
			return true
		}
	}
	return false
}

// normalizeJoinType narrows an outer join whose
// inherited predicate rejects null-padded rows.
func normalizeJoinType(typ plan.JoinType, pred expr.Node, leftOut, rightOut []expr.Ident) plan.JoinType {
	switch typ {
	case plan.Full:
		rejectsLeft := nullRejects(pred, leftOut)
		rejectsRight := nullRejects(pred, rightOut)
		switch {
		case rejectsLeft && rejectsRight:
			return plan.Inner
		case rejectsRight:
			return plan.Left
		case rejectsLeft:
			return plan.Right
		}
	case plan.Left:
		if nullRejects(pred, rightOut) {
			return plan.Inner
		}
	case plan.Right:
		if nullRejects(pred, leftOut) {
			return plan.Inner
		}
	case plan.Inner:
	default:
		panic(plan.ErrUnsupportedVariant.New(fmt.Sprintf("join type %d", typ)))
	}
	return typ
}

// dropImpliedNotNull removes (v IS NOT NULL) conjuncts
// whose symbol participates in a symbol-to-symbol
// equality of the join predicate: after promotion to
// INNER the equality already rejects null keys.
func dropImpliedNotNull(pred, joinPred expr.Node) expr.Node {
	keys := make(map[expr.Ident]bool)
	for _, c := range expr.Conjuncts(joinPred) {
		cmp, ok := c.(*expr.Comparison)
		if !ok || cmp.Op != expr.OpEquals {
			continue
		}
		l, lok := cmp.Left.(expr.Ident)
		r, rok := cmp.Right.(expr.Ident)
		if lok && rok {
			keys[l] = true
			keys[r] = true
		}
	}
	if len(keys) == 0 {
		return pred
	}
	conj := expr.Conjuncts(pred)
	kept := conj[:0]
	for _, c := range conj {
		if not, ok := c.(*expr.Not); ok {
			if isnull, ok := not.Expr.(*expr.IsNull); ok {
				if v, ok := isnull.Expr.(expr.Ident); ok && keys[v] {
					continue
				}
			}
		}
		kept = append(kept, c)
	}
	return expr.Combine(kept)
}

func (r *rewriter) visitJoin(n *plan.Join, pred expr.Node) plan.Node {
	leftOut, rightOut := n.Left.Outputs(), n.Right.Outputs()
	leftScope, rightScope := expr.InScope(leftOut), expr.InScope(rightOut)
	leftEff := r.effective(n.Left)
	rightEff := r.effective(n.Right)

	jp := joinPredicate(n)
	typ := normalizeJoinType(n.Type, pred, leftOut, rightOut)
	if typ != n.Type {
		r.log.WithFields(map[string]any{"from": n.Type.String(), "to": typ.String()}).
			Debug("outer join narrowed by null-rejecting predicate")
		if typ == plan.Inner {
			pred = dropImpliedNotNull(pred, jp)
		}
	}

	var leftPred, rightPred, joinPred, postPred expr.Node
	switch typ {
	case plan.Inner:
		res := processInnerJoin(pred, leftEff, rightEff, jp, leftScope, rightScope)
		leftPred, rightPred, joinPred, postPred = res.left, res.right, res.join, res.post
	case plan.Left:
		res := processLimitedOuterJoin(pred, leftEff, rightEff, jp, leftScope, rightScope)
		leftPred, rightPred, joinPred, postPred = res.outer, res.inner, res.join, res.post
	case plan.Right:
		res := processLimitedOuterJoin(pred, rightEff, leftEff, jp, rightScope, leftScope)
		leftPred, rightPred, joinPred, postPred = res.inner, res.outer, res.join, res.post
	case plan.Full:
		leftPred, rightPred, joinPred, postPred = expr.Bool(true), expr.Bool(true), jp, pred
	}

	joinPred = expr.Simplify(joinPred)
	provablyFalse := expr.IsFalse(joinPred)
	if provablyFalse {
		// TODO: fold the join into an empty scan once the
		// executor accepts constant-false join predicates
		joinPred = expr.Compare(expr.OpEquals, expr.Integer(0), expr.Integer(1))
		r.warns.Add("JOIN_PREDICATE_FALSE", "join %d predicate is provably false", n.Id)
	}

	criteria, residual, leftExt, rightExt := r.extractEquiClauses(joinPred, leftScope, rightScope)

	// an INNER join with a residual filter but no equi-clause
	// cannot hash; evaluate the residual after the join instead
	if typ == plan.Inner && len(criteria) == 0 && len(residual) > 0 && !provablyFalse {
		postPred = expr.Conjoin(postPred, expr.Combine(residual))
		residual = nil
	}

	var dynFilters map[string]expr.Ident
	if r.sess.DynamicFiltering && (typ == plan.Inner || typ == plan.Right) {
		if len(n.DynamicFilters) > 0 {
			// already synthesized; the probe predicates live
			// in the left subtree
			dynFilters = n.DynamicFilters
		} else {
			var probes []expr.Node
			dynFilters, probes = r.synthesizeDynamicFilters(criteria, residual, leftScope, rightScope)
			if len(probes) > 0 {
				leftPred = expr.Conjoin(leftPred, expr.Combine(probes))
			}
		}
	}

	newLeft := r.rewrite(n.Left, leftPred)
	newRight := r.rewrite(n.Right, rightPred)
	if len(leftExt) > 0 {
		newLeft = &plan.Project{
			Id:          r.ids.NextID(),
			Source:      newLeft,
			Assignments: append(plan.Identity(leftOut), leftExt...),
		}
	}
	if len(rightExt) > 0 {
		newRight = &plan.Project{
			Id:          r.ids.NextID(),
			Source:      newRight,
			Assignments: append(plan.Identity(rightOut), rightExt...),
		}
	}

	filter := expr.Combine(residual)
	if expr.IsTrue(filter) {
		filter = nil
	}

	dist := n.Distribution
	switch {
	case typ == plan.Full || typ == plan.Right:
		// the preserved right side cannot be broadcast
		dist = plan.Partitioned
	case typ == plan.Inner && len(criteria) == 0:
		// nested-loops execution broadcasts the build side
		dist = plan.Replicated
	}

	out := plan.Node(n)
	if newLeft != n.Left || newRight != n.Right ||
		typ != n.Type ||
		!slices.Equal(criteria, n.Criteria) ||
		!expr.Equivalent(orTrue(filter), orTrue(n.Filter)) ||
		!maps.Equal(dynFilters, n.DynamicFilters) ||
		dist != n.Distribution {
		out = &plan.Join{
			Id:             r.ids.NextID(),
			Type:           typ,
			Left:           newLeft,
			Right:          newRight,
			Criteria:       criteria,
			Filter:         filter,
			Distribution:   dist,
			DynamicFilters: dynFilters,
			Spillable:      n.Spillable,
		}
	}
	return r.wrap(out, postPred)
}

func orTrue(e expr.Node) expr.Node {
	if e == nil {
		return expr.Bool(true)
	}
	return e
}

// processInnerJoin splits the inherited predicate, both
// effective predicates, and the join predicate of an
// inner join into per-side pushdowns and retained join
// conjuncts. The post-join predicate is always TRUE.
func processInnerJoin(pred, leftEff, rightEff, joinPred expr.Node, leftScope, rightScope func(expr.Ident) bool) innerJoinResult {
	var leftPush, rightPush, joinConj []expr.Node

	// non-deterministic conjuncts stay on the join itself
	for _, c := range expr.Conjuncts(pred) {
		if !expr.IsDeterministic(c) {
			joinConj = append(joinConj, c)
		}
	}
	for _, c := range expr.Conjuncts(joinPred) {
		if !expr.IsDeterministic(c) {
			joinConj = append(joinConj, c)
		}
	}
	detPred := expr.FilterDeterministic(pred)
	detJoin := expr.FilterDeterministic(joinPred)

	all := expr.NewInference(detPred, leftEff, rightEff, detJoin)
	withoutLeft := expr.NewInference(detPred, rightEff, detJoin)
	withoutRight := expr.NewInference(detPred, leftEff, detJoin)

	for _, c := range expr.NonInferrable(detPred) {
		l := all.Rewrite(c, leftScope)
		rr := all.Rewrite(c, rightScope)
		if l != nil {
			leftPush = append(leftPush, l)
		}
		if rr != nil {
			rightPush = append(rightPush, rr)
		}
		if l == nil && rr == nil {
			joinConj = append(joinConj, c)
		}
	}
	for _, c := range expr.NonInferrable(rightEff) {
		if l := all.Rewrite(c, leftScope); l != nil {
			leftPush = append(leftPush, l)
		}
	}
	for _, c := range expr.NonInferrable(leftEff) {
		if rr := all.Rewrite(c, rightScope); rr != nil {
			rightPush = append(rightPush, rr)
		}
	}
	for _, c := range expr.NonInferrable(detJoin) {
		if len(expr.FreeVars(c)) == 0 {
			// a constant conjunct cannot prune either side
			joinConj = append(joinConj, c)
			continue
		}
		l := all.Rewrite(c, leftScope)
		rr := all.Rewrite(c, rightScope)
		if l != nil {
			leftPush = append(leftPush, l)
		}
		if rr != nil {
			rightPush = append(rightPush, rr)
		}
		if l == nil && rr == nil {
			joinConj = append(joinConj, c)
		}
	}

	leftPush = append(leftPush, withoutLeft.PartitionedBy(leftScope).Scope...)
	rightPush = append(rightPush, withoutRight.PartitionedBy(rightScope).Scope...)
	joinConj = append(joinConj, all.PartitionedBy(leftScope).Straddling...)

	return innerJoinResult{
		left:  expr.Combine(leftPush),
		right: expr.Combine(rightPush),
		join:  expr.Combine(joinConj),
		post:  expr.Bool(true),
	}
}

// processLimitedOuterJoin decomposes the predicates
// around an outer join whose outer (preserved) side and
// inner (null-padded) side are given. The inherited
// predicate may push freely into the outer side; it can
// reach the inner side only via equalities that also
// hold on the join predicate.
func processLimitedOuterJoin(pred, outerEff, innerEff, joinPred expr.Node, outerScope, innerScope func(expr.Ident) bool) outerJoinResult {
	if !expr.VarsIn(outerEff, outerScope) {
		panic(plan.ErrScopeViolation.New(fmt.Sprintf("outer effective predicate %s escapes the outer scope", expr.ToString(outerEff))))
	}
	if !expr.VarsIn(innerEff, innerScope) {
		panic(plan.ErrScopeViolation.New(fmt.Sprintf("inner effective predicate %s escapes the inner scope", expr.ToString(innerEff))))
	}

	var outerPush, innerPush, joinConj, postConj []expr.Node

	for _, c := range expr.Conjuncts(pred) {
		if !expr.IsDeterministic(c) {
			postConj = append(postConj, c)
		}
	}
	for _, c := range expr.Conjuncts(joinPred) {
		if !expr.IsDeterministic(c) {
			joinConj = append(joinConj, c)
		}
	}
	detPred := expr.FilterDeterministic(pred)
	detJoin := expr.FilterDeterministic(joinPred)

	outerInf := expr.NewInference(detPred)
	outerPart := outerInf.PartitionedBy(outerScope)
	outerPush = append(outerPush, outerPart.Scope...)
	postConj = append(postConj, outerPart.Complement...)
	postConj = append(postConj, outerPart.Straddling...)

	potentialNull := expr.NewInference(expr.Combine(outerPart.Scope), outerEff, innerEff, detJoin)

	for _, c := range expr.NonInferrable(detPred) {
		o := outerInf.Rewrite(c, outerScope)
		if o == nil {
			postConj = append(postConj, c)
			continue
		}
		outerPush = append(outerPush, o)
		if i := potentialNull.Rewrite(o, innerScope); i != nil {
			innerPush = append(innerPush, i)
		}
	}
	for _, c := range expr.NonInferrable(outerEff) {
		if i := potentialNull.Rewrite(c, innerScope); i != nil {
			innerPush = append(innerPush, i)
		}
	}
	for _, c := range expr.NonInferrable(detJoin) {
		if len(expr.FreeVars(c)) == 0 {
			joinConj = append(joinConj, c)
			continue
		}
		if i := potentialNull.Rewrite(c, innerScope); i != nil {
			innerPush = append(innerPush, i)
		} else {
			joinConj = append(joinConj, c)
		}
	}

	innerPush = append(innerPush, potentialNull.PartitionedBy(innerScope).Scope...)
	joinPart := expr.NewInference(detJoin).PartitionedBy(innerScope)
	innerPush = append(innerPush, joinPart.Scope...)
	joinConj = append(joinConj, joinPart.Complement...)
	joinConj = append(joinConj, joinPart.Straddling...)

	return outerJoinResult{
		outer: expr.Combine(outerPush),
		inner: expr.Combine(innerPush),
		join:  expr.Combine(joinConj),
		post:  expr.Combine(postConj),
	}
}

// extractEquiClauses collects the conjuncts of the join
// predicate of the form left_expr = right_expr. Non-trivial
// side expressions are assigned to fresh symbols; the
// returned assignment extensions must be projected onto
// the respective inputs. The remaining conjuncts form the
// residual join filter.
func (r *rewriter) extractEquiClauses(joinPred expr.Node, leftScope, rightScope func(expr.Ident) bool) (criteria []plan.EquiClause, residual []expr.Node, leftExt, rightExt plan.Assignments) {
	for _, c := range expr.Conjuncts(joinPred) {
		cmp, ok := c.(*expr.Comparison)
		if !ok || cmp.Op != expr.OpEquals || !expr.IsDeterministic(c) {
			residual = append(residual, c)
			continue
		}
		l, rr := cmp.Left, cmp.Right
		switch {
		case sided(l, leftScope) && sided(rr, rightScope):
		case sided(l, rightScope) && sided(rr, leftScope):
			l, rr = rr, l
		default:
			residual = append(residual, c)
			continue
		}
		clause := plan.EquiClause{}
		if sym, ok := l.(expr.Ident); ok {
			clause.Left = sym
		} else {
			clause.Left = r.syms.Fresh("expr", r.typeOf(l))
			leftExt = append(leftExt, plan.Assignment{Sym: clause.Left, Expr: l})
		}
		if sym, ok := rr.(expr.Ident); ok {
			clause.Right = sym
		} else {
			clause.Right = r.syms.Fresh("expr", r.typeOf(rr))
			rightExt = append(rightExt, plan.Assignment{Sym: clause.Right, Expr: rr})
		}
		criteria = append(criteria, clause)
	}
	return criteria, residual, leftExt, rightExt
}

// sided reports whether e references at least one symbol
// and every symbol it references is in scope.
func sided(e expr.Node, scope func(expr.Ident) bool) bool {
	return len(expr.FreeVars(e)) > 0 && expr.VarsIn(e, scope)
}

// typeOf infers the type of a derived join-key expression.
func (r *rewriter) typeOf(e expr.Node) plan.Type {
	switch e := e.(type) {
	case expr.Ident:
		return r.syms.TypeOf(e)
	case expr.Integer:
		return plan.Bigint
	case expr.Float:
		return plan.Double
	case expr.String:
		return plan.Varchar
	case expr.Bool:
		return plan.Boolean
	case *expr.Arithmetic:
		if r.typeOf(e.Left) == plan.Bigint && r.typeOf(e.Right) == plan.Bigint {
			return plan.Bigint
		}
		return plan.Double
	case *expr.Comparison, *expr.Logical, *expr.Not, *expr.IsNull:
		return plan.Boolean
	}
	return ""
}

func (r *rewriter) visitSpatialJoin(n *plan.SpatialJoin, pred expr.Node) plan.Node {
	if n.Type != plan.Inner && n.Type != plan.Left {
		panic(plan.ErrUnsupportedVariant.New(fmt.Sprintf("spatial join type %s", n.Type)))
	}
	leftOut, rightOut := n.Left.Outputs(), n.Right.Outputs()
	leftScope, rightScope := expr.InScope(leftOut), expr.InScope(rightOut)
	leftEff := r.effective(n.Left)
	rightEff := r.effective(n.Right)

	typ := n.Type
	if typ == plan.Left && nullRejects(pred, rightOut) {
		typ = plan.Inner
	}

	var leftPred, rightPred, joinPred, postPred expr.Node
	if typ == plan.Inner {
		res := processInnerJoin(pred, leftEff, rightEff, n.Filter, leftScope, rightScope)
		leftPred, rightPred, joinPred, postPred = res.left, res.right, res.join, res.post
	} else {
		res := processLimitedOuterJoin(pred, leftEff, rightEff, n.Filter, leftScope, rightScope)
		leftPred, rightPred, joinPred, postPred = res.outer, res.inner, res.join, res.post
	}
	joinPred = expr.Simplify(joinPred)

	newLeft := r.rewrite(n.Left, leftPred)
	newRight := r.rewrite(n.Right, rightPred)

	out := plan.Node(n)
	if newLeft != n.Left || newRight != n.Right || typ != n.Type || !expr.Equivalent(joinPred, n.Filter) {
		out = &plan.SpatialJoin{
			Id:             r.ids.NextID(),
			Type:           typ,
			Left:           newLeft,
			Right:          newRight,
			Filter:         joinPred,
			LeftPartition:  n.LeftPartition,
			RightPartition: n.RightPartition,
			IndexHint:      n.IndexHint,
		}
	}
	return r.wrap(out, postPred)
}

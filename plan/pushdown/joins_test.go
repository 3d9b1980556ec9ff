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
	"strings"
	"testing"

	"github.com/TreelineDB/treeline/expr"
	"github.com/TreelineDB/treeline/plan"

	"github.com/stretchr/testify/require"
)

func joinEnv(t *testing.T) (*env, *plan.TableScan, *plan.TableScan) {
	e := newEnv(t, plan.Types{
		"lk": plan.Bigint, "lv": plan.Bigint,
		"rk": plan.Bigint, "rv": plan.Bigint,
	})
	return e, scan(1, "l", "lk", "lv"), scan(2, "r", "rk", "rv")
}

// Filter(l.k = r.k AND l.v > 5 AND r.v < 9, Join(INNER, ...))
// derives an equi-clause and per-side filters.
func TestInnerJoinEquiClauseDerivation(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r}
	root := &plan.Filter{Id: 4, Source: join, Predicate: expr.Combine([]expr.Node{
		eq(expr.Ident("lk"), expr.Ident("rk")),
		gt(expr.Ident("lv"), expr.Integer(5)),
		lt(expr.Ident("rv"), expr.Integer(9)),
	})}

	out := e.optimize(root)
	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Inner, j.Type)
	require.Equal(t, []plan.EquiClause{{Left: "lk", Right: "rk"}}, j.Criteria)
	require.Nil(t, j.Filter)
	requireExpr(t, "lv > 5", filterOf(t, j.Left).Predicate)
	requireExpr(t, "rv < 9", filterOf(t, j.Right).Predicate)
}

// Filter(r.k IS NOT NULL, Join(LEFT, [l.k = r.k])) promotes
// to INNER and consumes the predicate entirely.
func TestLeftToInnerPromotion(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Left, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	root := &plan.Filter{Id: 4, Source: join, Predicate: expr.IsNotNull(expr.Ident("rk"))}

	out := e.optimize(root)
	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Inner, j.Type)
	require.Equal(t, []plan.EquiClause{{Left: "lk", Right: "rk"}}, j.Criteria)
	require.Same(t, plan.Node(l), j.Left)
	require.Same(t, plan.Node(r), j.Right)
	require.Nil(t, j.Filter)
}

func TestFullJoinNormalization(t *testing.T) {
	tests := []struct {
		pred expr.Node
		want plan.JoinType
	}{
		{expr.And(expr.IsNotNull(expr.Ident("lv")), expr.IsNotNull(expr.Ident("rv"))), plan.Inner},
		{expr.IsNotNull(expr.Ident("rv")), plan.Left},
		{expr.IsNotNull(expr.Ident("lv")), plan.Right},
		{gt(expr.Add(expr.Ident("lv"), expr.Ident("rv")), expr.Integer(0)), plan.Inner},
		{expr.Bool(true), plan.Full},
	}
	for i := range tests {
		e, l, r := joinEnv(t)
		join := &plan.Join{Id: 3, Type: plan.Full, Left: l, Right: r,
			Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
		out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: tests[i].pred})
		var j *plan.Join
		switch n := out.(type) {
		case *plan.Join:
			j = n
		case *plan.Filter:
			j = n.Source.(*plan.Join)
		}
		require.Equal(t, tests[i].want, j.Type, "case %d:\n%s", i, plan.Explain(out))
	}
}

// RIGHT joins narrow when the predicate rejects nulls on the left
func TestRightToInnerPromotion(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Right, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: gt(expr.Ident("lv"), expr.Integer(0))})
	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Inner, j.Type)
	requireExpr(t, "lv > 0", filterOf(t, j.Left).Predicate)
}

// an outer-side constant equality propagates to the inner side
// through the join-key equality
func TestOuterJoinInnerSidePush(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Left, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: eq(expr.Ident("lk"), expr.Integer(5))})

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Left, j.Type)
	requireExpr(t, "5 = lk", filterOf(t, j.Left).Predicate)
	requireExpr(t, "5 = rk", filterOf(t, j.Right).Predicate)
	require.Equal(t, []plan.EquiClause{{Left: "lk", Right: "rk"}}, j.Criteria)
}

// predicates on the inner side of an outer join cannot move
// below the join
func TestOuterJoinInnerPredicateStaysAbove(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Left, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	// NULL-accepting: does not trigger promotion, cannot push
	pred := expr.Or(lt(expr.Ident("rv"), expr.Integer(9)), &expr.IsNull{Expr: expr.Ident("rv")})
	out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: pred})

	top := filterOf(t, out)
	require.True(t, expr.Equal(top.Predicate, pred))
	j := top.Source.(*plan.Join)
	require.Equal(t, plan.Left, j.Type)
	require.Same(t, plan.Node(l), j.Left)
	require.Same(t, plan.Node(r), j.Right)
}

// non-variable equi-clause sides get fresh symbols and
// identity-extending projections
func TestEquiClauseExpressionExtraction(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r}
	root := &plan.Filter{Id: 4, Source: join,
		Predicate: eq(expr.Add(expr.Ident("lk"), expr.Integer(1)), expr.Ident("rk"))}

	out := e.optimize(root)
	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Len(t, j.Criteria, 1)
	require.Equal(t, expr.Ident("rk"), j.Criteria[0].Right)

	p, ok := j.Left.(*plan.Project)
	require.True(t, ok, "left side should be projected:\n%s", plan.Explain(out))
	require.Equal(t, []expr.Ident{"lk", "lv", j.Criteria[0].Left}, p.Assignments.Symbols())
	requireExpr(t, "(lk + 1)", p.Assignments.Get(j.Criteria[0].Left))
	require.Equal(t, plan.Bigint, e.syms.TypeOf(j.Criteria[0].Left))
}

// a provably-false join predicate is replaced by a constant
// comparison the executor can evaluate
func TestFalseJoinPredicateWorkaround(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Filter: lt(expr.Integer(5), expr.Integer(3))}
	out := e.optimize(join)

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	requireExpr(t, "0 = 1", j.Filter)
	require.Len(t, e.warns, 1)
	require.Equal(t, "JOIN_PREDICATE_FALSE", e.warns[0].Code)
}

// an INNER join with a residual filter but no equi-clause
// becomes a nested-loops join with a post-join filter
func TestInnerJoinResidualWithoutEquiClause(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Filter: lt(expr.Ident("lv"), expr.Ident("rv"))}
	out := e.optimize(join)

	top := filterOf(t, out)
	requireExpr(t, "lv < rv", top.Predicate)
	j := top.Source.(*plan.Join)
	require.Nil(t, j.Filter)
	require.Empty(t, j.Criteria)
	require.Equal(t, plan.Replicated, j.Distribution)
}

func TestDistributionPreserved(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria:     []plan.EquiClause{{Left: "lk", Right: "rk"}},
		Distribution: plan.Partitioned, Spillable: true}
	out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: gt(expr.Ident("lv"), expr.Integer(5))})

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Partitioned, j.Distribution)
	require.True(t, j.Spillable)
}

// FULL joins force partitioning; an untouched FULL join is
// otherwise preserved by reference on the second pass
func TestFullJoinDistribution(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Full, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	out := e.optimize(join)
	j := out.(*plan.Join)
	require.Equal(t, plan.Partitioned, j.Distribution)

	again := e.optimize(j)
	require.Same(t, plan.Node(j), again)
}

// effective predicates migrate across an inner join through
// the join-key equality
func TestEffectivePredicateTransfer(t *testing.T) {
	e, l, r := joinEnv(t)
	rFiltered := &plan.Filter{Id: 5, Source: r, Predicate: eq(expr.Ident("rk"), expr.Integer(7))}
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: rFiltered,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	out := e.optimize(join)

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	requireExpr(t, "7 = lk", filterOf(t, j.Left).Predicate)
}

func TestSpatialJoin(t *testing.T) {
	e, l, r := joinEnv(t)
	contains := expr.CallByName("st_contains", expr.Ident("lv"), expr.Ident("rv"))
	sj := &plan.SpatialJoin{Id: 3, Type: plan.Left, Left: l, Right: r, Filter: contains}

	// LEFT normalizes to INNER under a null-rejecting predicate,
	// and single-side conjuncts push through
	root := &plan.Filter{Id: 4, Source: sj,
		Predicate: expr.And(gt(expr.Ident("rv"), expr.Integer(0)), gt(expr.Ident("lv"), expr.Integer(1)))}
	out := e.optimize(root)
	j, ok := out.(*plan.SpatialJoin)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Equal(t, plan.Inner, j.Type)
	require.True(t, expr.Equal(j.Filter, contains))
	requireExpr(t, "lv > 1", filterOf(t, j.Left).Predicate)
	requireExpr(t, "rv > 0", filterOf(t, j.Right).Predicate)
}

func TestSpatialJoinRejectsFullVariant(t *testing.T) {
	e, l, r := joinEnv(t)
	sj := &plan.SpatialJoin{Id: 3, Type: plan.Full, Left: l, Right: r,
		Filter: expr.CallByName("st_contains", expr.Ident("lv"), expr.Ident("rv"))}
	defer func() {
		err, ok := recover().(error)
		require.True(t, ok, "expected a panic with an error")
		require.True(t, plan.ErrUnsupportedVariant.Is(err), "got %v", err)
	}()
	e.optimize(sj)
}

// non-deterministic conjuncts stay on the join itself and are
// never duplicated into a side
func TestInnerJoinNonDeterministicConjunct(t *testing.T) {
	e, l, r := joinEnv(t)
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	rnd := lt(expr.CallByName("random"), expr.Ident("lv"))
	out := e.optimize(&plan.Filter{Id: 4, Source: join, Predicate: rnd})

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.True(t, expr.Equal(j.Filter, rnd), "got filter %s", expr.ToString(j.Filter))
	require.Same(t, plan.Node(l), j.Left)
	require.Same(t, plan.Node(r), j.Right)
	require.Equal(t, 1, strings.Count(plan.Explain(out), "random()"))
}

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
	"testing"

	"github.com/TreelineDB/treeline/expr"
	"github.com/TreelineDB/treeline/plan"

	"github.com/stretchr/testify/require"
)

// collectDynamicFilters returns (id, probe, op) triples found
// anywhere in the subtree, keyed by probe symbol.
func collectDynamicFilters(t *testing.T, n plan.Node) map[expr.Ident]struct {
	id string
	op string
} {
	t.Helper()
	out := make(map[expr.Ident]struct {
		id string
		op string
	})
	var walkNode func(plan.Node)
	walkNode = func(n plan.Node) {
		if f, ok := n.(*plan.Filter); ok {
			expr.Walk(expr.WalkFunc(func(e expr.Node) bool {
				if c, ok := e.(*expr.Call); ok && c.Func == DynamicFilterFunc {
					id, probe, op := ParseDynamicFilter(c)
					out[probe] = struct {
						id string
						op string
					}{id, op}
					return false
				}
				return true
			}), f.Predicate)
		}
		for _, c := range n.Children() {
			walkNode(c)
		}
	}
	walkNode(n)
	return out
}

func TestDynamicFilterFromEquiClause(t *testing.T) {
	e, l, r := joinEnv(t)
	e.sess.DynamicFiltering = true
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r}
	out := e.optimize(&plan.Filter{Id: 4, Source: join,
		Predicate: eq(expr.Ident("lk"), expr.Ident("rk"))})

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Len(t, j.DynamicFilters, 1)

	dfs := collectDynamicFilters(t, j.Left)
	df, found := dfs["lk"]
	require.True(t, found, "missing probe-side predicate:\n%s", plan.Explain(out))
	require.Equal(t, "", df.op)
	// ids are opaque; match by role
	require.Equal(t, expr.Ident("rk"), j.DynamicFilters[df.id])
}

func TestDynamicFilterRange(t *testing.T) {
	e, l, r := joinEnv(t)
	e.sess.DynamicFiltering = true
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}},
		Filter:   lt(expr.Ident("lv"), expr.Ident("rv"))}
	out := e.optimize(join)

	j, ok := out.(*plan.Join)
	require.True(t, ok, "got:\n%s", plan.Explain(out))
	require.Len(t, j.DynamicFilters, 2)

	dfs := collectDynamicFilters(t, j.Left)
	require.Equal(t, "", dfs["lk"].op)
	require.Equal(t, "<", dfs["lv"].op)
	require.Equal(t, expr.Ident("rv"), j.DynamicFilters[dfs["lv"].id])
}

// the comparator flips when the comparison names the build
// side first
func TestDynamicFilterRangeFlip(t *testing.T) {
	e, l, r := joinEnv(t)
	e.sess.DynamicFiltering = true
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}},
		Filter:   lt(expr.Ident("rv"), expr.Ident("lv"))}
	out := e.optimize(join)

	j := out.(*plan.Join)
	dfs := collectDynamicFilters(t, j.Left)
	require.Equal(t, ">", dfs["lv"].op)
	require.Equal(t, expr.Ident("rv"), j.DynamicFilters[dfs["lv"].id])
}

// range synthesis is gated on BIGINT symbols
func TestDynamicFilterBigintGate(t *testing.T) {
	e := newEnv(t, plan.Types{
		"lk": plan.Bigint, "lv": plan.Varchar,
		"rk": plan.Bigint, "rv": plan.Varchar,
	})
	e.sess.DynamicFiltering = true
	l, r := scan(1, "l", "lk", "lv"), scan(2, "r", "rk", "rv")
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}},
		Filter:   lt(expr.Ident("lv"), expr.Ident("rv"))}
	out := e.optimize(join)

	j := out.(*plan.Join)
	require.Len(t, j.DynamicFilters, 1)
	dfs := collectDynamicFilters(t, j.Left)
	_, found := dfs["lv"]
	require.False(t, found)
}

// a symbol already claimed by an earlier filter from the same
// join is not claimed twice
func TestDynamicFilterClaimedSkip(t *testing.T) {
	e, l, r := joinEnv(t)
	e.sess.DynamicFiltering = true
	join := &plan.Join{Id: 3, Type: plan.Inner, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}},
		Filter: expr.And(
			lt(expr.Ident("lv"), expr.Ident("rv")),
			gt(expr.Ident("lv"), expr.Ident("rv")),
		)}
	out := e.optimize(join)

	j := out.(*plan.Join)
	// equi clause + first range only; the second range reuses lv
	require.Len(t, j.DynamicFilters, 2)
}

// LEFT joins never get dynamic filters
func TestDynamicFilterJoinTypeGate(t *testing.T) {
	e, l, r := joinEnv(t)
	e.sess.DynamicFiltering = true
	join := &plan.Join{Id: 3, Type: plan.Left, Left: l, Right: r,
		Criteria: []plan.EquiClause{{Left: "lk", Right: "rk"}}}
	out := e.optimize(join)
	j, ok := out.(*plan.Join)
	require.True(t, ok)
	require.Empty(t, j.DynamicFilters)
}

func TestParseDynamicFilterShape(t *testing.T) {
	defer func() {
		err, ok := recover().(error)
		require.True(t, ok, "expected a panic with an error")
		require.True(t, plan.ErrShapeViolation.Is(err), "got %v", err)
	}()
	ParseDynamicFilter(expr.CallByName(DynamicFilterFunc, expr.String("df_0")))
}

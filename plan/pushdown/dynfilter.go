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
)

// DynamicFilterFunc is the marker function wrapping a
// probe-side dynamic-filter predicate. Its first argument
// is the opaque filter id, the second the probe symbol,
// and the optional third a comparison operator for range
// pruning ("" means set membership).
const DynamicFilterFunc = "$dynamic_filter"

func dynamicFilterPredicate(id string, probe expr.Ident, op string) *expr.Call {
	args := []expr.Node{expr.String(id), probe}
	if op != "" {
		args = append(args, expr.String(op))
	}
	return expr.CallByName(DynamicFilterFunc, args...)
}

// ParseDynamicFilter destructures a dynamic-filter call
// into its id, probe symbol, and optional comparator.
func ParseDynamicFilter(c *expr.Call) (id string, probe expr.Ident, op string) {
	malformed := func() {
		panic(plan.ErrShapeViolation.New(fmt.Sprintf("malformed dynamic filter %s", expr.ToString(c))))
	}
	if c.Func != DynamicFilterFunc || len(c.Args) < 2 || len(c.Args) > 3 {
		malformed()
	}
	ids, ok := c.Args[0].(expr.String)
	if !ok {
		malformed()
	}
	probe, ok = c.Args[1].(expr.Ident)
	if !ok {
		malformed()
	}
	if len(c.Args) == 3 {
		ops, ok := c.Args[2].(expr.String)
		if !ok {
			malformed()
		}
		op = string(ops)
	}
	return string(ids), probe, op
}

func containsDynamicFilter(e expr.Node) bool {
	found := false
	expr.Walk(expr.WalkFunc(func(n expr.Node) bool {
		if c, ok := n.(*expr.Call); ok && c.Func == DynamicFilterFunc {
			found = true
		}
		return !found
	}), e)
	return found
}

// synthesizeDynamicFilters emits one dynamic filter per
// equi-clause, plus one per BIGINT range comparison in
// the residual join filter, claiming each probe and build
// symbol at most once. The returned predicates belong on
// the probe (left) side; the map records build-side
// symbols per filter id.
func (r *rewriter) synthesizeDynamicFilters(criteria []plan.EquiClause, residual []expr.Node, leftScope, rightScope func(expr.Ident) bool) (map[string]expr.Ident, []expr.Node) {
	if len(criteria) == 0 && len(residual) == 0 {
		return nil, nil
	}
	filters := make(map[string]expr.Ident)
	claimed := make(map[expr.Ident]bool)
	var probes []expr.Node

	for _, c := range criteria {
		if claimed[c.Left] || claimed[c.Right] {
			continue
		}
		id := r.ids.NextFilterID()
		filters[id] = c.Right
		probes = append(probes, dynamicFilterPredicate(id, c.Left, ""))
		claimed[c.Left] = true
		claimed[c.Right] = true
	}

	// range comparisons between BIGINT symbols of opposite
	// sides can prune the probe side with a per-row comparator
	for _, c := range residual {
		cmp, ok := c.(*expr.Comparison)
		if !ok || !cmp.Op.Ordered() {
			continue
		}
		lsym, lok := cmp.Left.(expr.Ident)
		rsym, rok := cmp.Right.(expr.Ident)
		if !lok || !rok {
			continue
		}
		if r.syms.TypeOf(lsym) != plan.Bigint || r.syms.TypeOf(rsym) != plan.Bigint {
			continue
		}
		probe, build, op := lsym, rsym, cmp.Op
		switch {
		case leftScope(lsym) && rightScope(rsym):
		case rightScope(lsym) && leftScope(rsym):
			// the comparison names the build side first;
			// flip so the comparator applies to the probe
			probe, build, op = rsym, lsym, cmp.Op.Flip()
		default:
			continue
		}
		if claimed[probe] || claimed[build] {
			r.warns.Add("DYNAMIC_FILTER_SKIPPED", "range filter on %s already claimed", probe)
			continue
		}
		id := r.ids.NextFilterID()
		filters[id] = build
		probes = append(probes, dynamicFilterPredicate(id, probe, op.String()))
		claimed[probe] = true
		claimed[build] = true
	}
	if len(filters) == 0 {
		return nil, nil
	}
	return filters, probes
}

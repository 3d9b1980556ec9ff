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

// Package plan defines the logical operator tree consumed
// and produced by the optimizer passes, plus the allocators,
// session state, and diagnostics they share.
package plan

import (
	"github.com/TreelineDB/treeline/expr"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NodeID identifies a plan node within one plan.
type NodeID int64

// Node is a logical plan operator. Nodes are immutable
// values: rewrites produce new nodes and share unchanged
// subtrees by reference.
type Node interface {
	ID() NodeID
	// Outputs is the ordered list of symbols
	// produced by the operator.
	Outputs() []expr.Ident
	Children() []Node
}

// TableScan is a source of rows with a declared output schema.
type TableScan struct {
	Id      NodeID
	Table   string
	Columns []expr.Ident
}

func (t *TableScan) ID() NodeID             { return t.Id }
func (t *TableScan) Outputs() []expr.Ident  { return t.Columns }
func (t *TableScan) Children() []Node       { return nil }

// CTEScan reads the output of a common table expression.
type CTEScan struct {
	Id      NodeID
	Name    string
	Source  Node
	Columns []expr.Ident
	// Predicate holds a predicate pushed into the CTE
	// boundary when it carries dynamic-filter conjuncts.
	Predicate expr.Node
}

func (c *CTEScan) ID() NodeID            { return c.Id }
func (c *CTEScan) Outputs() []expr.Ident { return c.Columns }
func (c *CTEScan) Children() []Node      { return []Node{c.Source} }

// Filter keeps the rows of Source satisfying Predicate.
type Filter struct {
	Id        NodeID
	Source    Node
	Predicate expr.Node
}

func (f *Filter) ID() NodeID            { return f.Id }
func (f *Filter) Outputs() []expr.Ident { return f.Source.Outputs() }
func (f *Filter) Children() []Node      { return []Node{f.Source} }

// Assignment binds an output symbol to an expression
// over the child's symbols.
type Assignment struct {
	Sym  expr.Ident
	Expr expr.Node
}

// Assignments is the ordered assignment list of a Project.
type Assignments []Assignment

// Get returns the expression assigned to sym, or nil.
func (a Assignments) Get(sym expr.Ident) expr.Node {
	for i := range a {
		if a[i].Sym == sym {
			return a[i].Expr
		}
	}
	return nil
}

// Symbols returns the assigned output symbols, in order.
func (a Assignments) Symbols() []expr.Ident {
	out := make([]expr.Ident, len(a))
	for i := range a {
		out[i] = a[i].Sym
	}
	return out
}

// Identity returns identity assignments (sym := sym)
// for the given symbols.
func Identity(syms []expr.Ident) Assignments {
	out := make(Assignments, len(syms))
	for i := range syms {
		out[i] = Assignment{Sym: syms[i], Expr: syms[i]}
	}
	return out
}

// Project computes an ordered assignment list
// over its child's output.
type Project struct {
	Id          NodeID
	Source      Node
	Assignments Assignments
}

func (p *Project) ID() NodeID            { return p.Id }
func (p *Project) Outputs() []expr.Ident { return p.Assignments.Symbols() }
func (p *Project) Children() []Node      { return []Node{p.Source} }

// JoinType discriminates join variants.
type JoinType int

const (
	// Inner is an INNER join
	Inner JoinType = iota
	// Left is a LEFT outer join (left side preserved)
	Left
	// Right is a RIGHT outer join (right side preserved)
	Right
	// Full is a FULL outer join
	Full
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "INNER"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	case Full:
		return "FULL"
	}
	return "<unknown join type>"
}

// Distribution is an optional execution hint for joins.
type Distribution int

const (
	// DistributionUnset leaves the choice to later passes
	DistributionUnset Distribution = iota
	// Partitioned repartitions both inputs on the join keys
	Partitioned
	// Replicated broadcasts the build side
	Replicated
)

func (d Distribution) String() string {
	switch d {
	case Partitioned:
		return "PARTITIONED"
	case Replicated:
		return "REPLICATED"
	}
	return "UNSET"
}

// EquiClause is a hash-joinable equality between a
// left-side and a right-side symbol.
type EquiClause struct {
	Left, Right expr.Ident
}

// Join combines two inputs. Criteria holds the
// equi-clauses; Filter is the residual join predicate
// (nil means TRUE).
type Join struct {
	Id             NodeID
	Type           JoinType
	Left, Right    Node
	Criteria       []EquiClause
	Filter         expr.Node
	Distribution   Distribution
	DynamicFilters map[string]expr.Ident // filter id -> build-side symbol
	Spillable      bool
}

func (j *Join) ID() NodeID { return j.Id }

func (j *Join) Outputs() []expr.Ident {
	return append(slices.Clone(j.Left.Outputs()), j.Right.Outputs()...)
}

func (j *Join) Children() []Node { return []Node{j.Left, j.Right} }

// SpatialJoin is a join whose predicate is a spatial
// relation; only INNER and LEFT variants exist.
type SpatialJoin struct {
	Id             NodeID
	Type           JoinType
	Left, Right    Node
	Filter         expr.Node // mandatory
	LeftPartition  expr.Ident
	RightPartition expr.Ident
	IndexHint      string
}

func (s *SpatialJoin) ID() NodeID { return s.Id }

func (s *SpatialJoin) Outputs() []expr.Ident {
	return append(slices.Clone(s.Left.Outputs()), s.Right.Outputs()...)
}

func (s *SpatialJoin) Children() []Node { return []Node{s.Left, s.Right} }

// SemiJoin emits the rows of Source extended with a
// boolean Output indicating whether SourceKey matched
// FilterKey in the filtering source.
type SemiJoin struct {
	Id              NodeID
	Source          Node
	Filtering       Node
	SourceKey       expr.Ident
	FilterKey       expr.Ident
	Output          expr.Ident
	DynamicFilterID string
}

func (s *SemiJoin) ID() NodeID { return s.Id }

func (s *SemiJoin) Outputs() []expr.Ident {
	return append(slices.Clone(s.Source.Outputs()), s.Output)
}

func (s *SemiJoin) Children() []Node { return []Node{s.Source, s.Filtering} }

// AggregateCall binds an output symbol to an aggregate
// function application.
type AggregateCall struct {
	Sym  expr.Ident
	Call *expr.Call
}

// Aggregation groups its input by GroupingKeys and
// evaluates aggregate calls per group. GlobalSet
// records whether the grouping-set collection includes
// the empty set (a global aggregation row).
type Aggregation struct {
	Id           NodeID
	Source       Node
	GroupingKeys []expr.Ident
	GlobalSet    bool
	GroupIDSym   expr.Ident // optional ("" if absent)
	Aggregates   []AggregateCall
}

func (a *Aggregation) ID() NodeID { return a.Id }

func (a *Aggregation) Outputs() []expr.Ident {
	out := slices.Clone(a.GroupingKeys)
	if a.GroupIDSym != "" {
		out = append(out, a.GroupIDSym)
	}
	for i := range a.Aggregates {
		out = append(out, a.Aggregates[i].Sym)
	}
	return out
}

func (a *Aggregation) Children() []Node { return []Node{a.Source} }

// Union concatenates N inputs. Outs is the output
// schema; Inputs[i] aligns with Outs and names the
// corresponding symbol of child i.
type Union struct {
	Id      NodeID
	Sources []Node
	Outs    []expr.Ident
	Inputs  [][]expr.Ident
}

func (u *Union) ID() NodeID            { return u.Id }
func (u *Union) Outputs() []expr.Ident { return u.Outs }
func (u *Union) Children() []Node      { return u.Sources }

// InputMapping returns the substitution from this
// node's outputs to child i's symbols.
func (u *Union) InputMapping(i int) map[expr.Ident]expr.Node {
	return inputMapping(u.Outs, u.Inputs[i])
}

// Exchange redistributes N inputs. The mapping shape
// is identical to Union's.
type Exchange struct {
	Id      NodeID
	Sources []Node
	Outs    []expr.Ident
	Inputs  [][]expr.Ident
}

func (e *Exchange) ID() NodeID            { return e.Id }
func (e *Exchange) Outputs() []expr.Ident { return e.Outs }
func (e *Exchange) Children() []Node      { return e.Sources }

// InputMapping returns the substitution from this
// node's outputs to child i's symbols.
func (e *Exchange) InputMapping(i int) map[expr.Ident]expr.Node {
	return inputMapping(e.Outs, e.Inputs[i])
}

func inputMapping(outs, ins []expr.Ident) map[expr.Ident]expr.Node {
	m := make(map[expr.Ident]expr.Node, len(outs))
	for i := range outs {
		m[outs[i]] = ins[i]
	}
	return m
}

// WindowFunction binds an output symbol to a window
// function application.
type WindowFunction struct {
	Sym  expr.Ident
	Call *expr.Call
}

// Window evaluates window functions over partitions
// of its input.
type Window struct {
	Id          NodeID
	Source      Node
	PartitionBy []expr.Ident
	OrderBy     []Ordering
	Functions   []WindowFunction
}

func (w *Window) ID() NodeID { return w.Id }

func (w *Window) Outputs() []expr.Ident {
	out := slices.Clone(w.Source.Outputs())
	for i := range w.Functions {
		out = append(out, w.Functions[i].Sym)
	}
	return out
}

func (w *Window) Children() []Node { return []Node{w.Source} }

// MarkDistinct extends its input with a boolean Marker
// that is TRUE for the first row of each distinct key.
type MarkDistinct struct {
	Id       NodeID
	Source   Node
	Marker   expr.Ident
	Distinct []expr.Ident
}

func (m *MarkDistinct) ID() NodeID { return m.Id }

func (m *MarkDistinct) Outputs() []expr.Ident {
	return append(slices.Clone(m.Source.Outputs()), m.Marker)
}

func (m *MarkDistinct) Children() []Node { return []Node{m.Source} }

// GroupID replicates its input once per grouping set,
// producing a group-id symbol. CommonGrouping maps the
// output symbols present in every grouping set to the
// input symbols that produce them.
type GroupID struct {
	Id             NodeID
	Source         Node
	CommonGrouping map[expr.Ident]expr.Ident // output -> input
	GroupIDSym     expr.Ident
}

func (g *GroupID) ID() NodeID { return g.Id }

func (g *GroupID) Outputs() []expr.Ident {
	out := maps.Keys(g.CommonGrouping)
	slices.Sort(out)
	return append(out, g.GroupIDSym)
}

func (g *GroupID) Children() []Node { return []Node{g.Source} }

// Unnest expands collection-typed symbols into rows,
// replicating the Replicated symbols alongside.
type Unnest struct {
	Id         NodeID
	Source     Node
	Replicated []expr.Ident
	Unnested   []expr.Ident // symbols produced by the expansion
}

func (u *Unnest) ID() NodeID { return u.Id }

func (u *Unnest) Outputs() []expr.Ident {
	return append(slices.Clone(u.Replicated), u.Unnested...)
}

func (u *Unnest) Children() []Node { return []Node{u.Source} }

// AssignUniqueID extends its input with a generated
// per-row unique id symbol.
type AssignUniqueID struct {
	Id     NodeID
	Source Node
	IDSym  expr.Ident
}

func (a *AssignUniqueID) ID() NodeID { return a.Id }

func (a *AssignUniqueID) Outputs() []expr.Ident {
	return append(slices.Clone(a.Source.Outputs()), a.IDSym)
}

func (a *AssignUniqueID) Children() []Node { return []Node{a.Source} }

// Ordering is one sort key.
type Ordering struct {
	Sym  expr.Ident
	Desc bool
}

// Sort orders its input.
type Sort struct {
	Id      NodeID
	Source  Node
	OrderBy []Ordering
}

func (s *Sort) ID() NodeID            { return s.Id }
func (s *Sort) Outputs() []expr.Ident { return s.Source.Outputs() }
func (s *Sort) Children() []Node      { return []Node{s.Source} }

// Sample emits a row subset of its input.
type Sample struct {
	Id     NodeID
	Source Node
	Ratio  float64
}

func (s *Sample) ID() NodeID            { return s.Id }
func (s *Sample) Outputs() []expr.Ident { return s.Source.Outputs() }
func (s *Sample) Children() []Node      { return []Node{s.Source} }

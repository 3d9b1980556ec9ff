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

package plan

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/TreelineDB/treeline/expr"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Explain returns an indented textual rendering of the
// plan. The rendering is structural: node ids are omitted
// so that two plans differing only in identities render
// identically (see Digest).
func Explain(n Node) string {
	var sb strings.Builder
	describe(&sb, n, 0)
	return sb.String()
}

func describe(dst *strings.Builder, n Node, depth int) {
	for i := 0; i < depth; i++ {
		dst.WriteString("  ")
	}
	dst.WriteString(Describe(n))
	dst.WriteByte('\n')
	for _, c := range n.Children() {
		describe(dst, c, depth+1)
	}
}

func symlist(syms []expr.Ident) string {
	out := make([]string, len(syms))
	for i := range syms {
		out[i] = string(syms[i])
	}
	return strings.Join(out, ", ")
}

// Describe returns the one-line rendering of a single node.
func Describe(n Node) string {
	switch n := n.(type) {
	case *TableScan:
		return fmt.Sprintf("SCAN %s [%s]", n.Table, symlist(n.Columns))
	case *CTEScan:
		if n.Predicate != nil {
			return fmt.Sprintf("CTESCAN %s WHERE %s", n.Name, expr.ToString(n.Predicate))
		}
		return fmt.Sprintf("CTESCAN %s", n.Name)
	case *Filter:
		return "FILTER " + expr.ToString(n.Predicate)
	case *Project:
		parts := make([]string, len(n.Assignments))
		for i, a := range n.Assignments {
			parts[i] = fmt.Sprintf("%s := %s", a.Sym, expr.ToString(a.Expr))
		}
		return "PROJECT " + strings.Join(parts, ", ")
	case *Join:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s JOIN", n.Type)
		for i, c := range n.Criteria {
			if i == 0 {
				sb.WriteString(" ON ")
			} else {
				sb.WriteString(" AND ")
			}
			fmt.Fprintf(&sb, "%s = %s", c.Left, c.Right)
		}
		if n.Filter != nil {
			fmt.Fprintf(&sb, " FILTER %s", expr.ToString(n.Filter))
		}
		if n.Distribution != DistributionUnset {
			fmt.Fprintf(&sb, " [%s]", n.Distribution)
		}
		if len(n.DynamicFilters) > 0 {
			builds := maps.Values(n.DynamicFilters)
			slices.Sort(builds)
			fmt.Fprintf(&sb, " DF[%s]", symlist(builds))
		}
		return sb.String()
	case *SpatialJoin:
		return fmt.Sprintf("%s SPATIAL JOIN FILTER %s", n.Type, expr.ToString(n.Filter))
	case *SemiJoin:
		return fmt.Sprintf("SEMIJOIN %s = %s AS %s", n.SourceKey, n.FilterKey, n.Output)
	case *Aggregation:
		if n.GlobalSet {
			return "AGGREGATE GLOBAL"
		}
		return "AGGREGATE BY " + symlist(n.GroupingKeys)
	case *Union:
		return "UNION [" + symlist(n.Outs) + "]"
	case *Exchange:
		return "EXCHANGE [" + symlist(n.Outs) + "]"
	case *Window:
		return "WINDOW PARTITION BY " + symlist(n.PartitionBy)
	case *MarkDistinct:
		return fmt.Sprintf("MARK DISTINCT [%s] AS %s", symlist(n.Distinct), n.Marker)
	case *GroupID:
		return "GROUPID AS " + string(n.GroupIDSym)
	case *Unnest:
		return fmt.Sprintf("UNNEST [%s] REPLICATE [%s]", symlist(n.Unnested), symlist(n.Replicated))
	case *AssignUniqueID:
		return "ASSIGN UNIQUE ID " + string(n.IDSym)
	case *Sort:
		keys := make([]string, len(n.OrderBy))
		for i, o := range n.OrderBy {
			keys[i] = string(o.Sym)
			if o.Desc {
				keys[i] += " DESC"
			}
		}
		return "SORT BY " + strings.Join(keys, ", ")
	case *Sample:
		return fmt.Sprintf("SAMPLE %g", n.Ratio)
	}
	return fmt.Sprintf("<%T>", n)
}

// WriteTable renders the plan as a markdown table, one
// row per node in depth-first order, for debug output.
func WriteTable(dst io.Writer, n Node) {
	table := tablewriter.NewTable(dst,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header([]string{"id", "operator", "outputs"})
	appendRows(table, n)
	table.Render()
}

func appendRows(table *tablewriter.Table, n Node) {
	table.Append([]string{
		strconv.FormatInt(int64(n.ID()), 10),
		Describe(n),
		symlist(n.Outputs()),
	})
	for _, c := range n.Children() {
		appendRows(table, c)
	}
}

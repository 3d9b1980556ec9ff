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
)

// ReplaceChildren returns n with its children replaced.
// If every replacement is reference-equal to the original
// child, n itself is returned; otherwise a shallow copy
// with a fresh id is minted.
func ReplaceChildren(n Node, kids []Node, ids *IDAllocator) Node {
	old := n.Children()
	if len(old) != len(kids) {
		panic(ErrShapeViolation.New(fmt.Sprintf("node %T has %d children, %d replacements", n, len(old), len(kids))))
	}
	same := true
	for i := range old {
		if old[i] != kids[i] {
			same = false
			break
		}
	}
	if same {
		return n
	}
	switch n := n.(type) {
	case *CTEScan:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Filter:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Project:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Join:
		cp := *n
		cp.Id = ids.NextID()
		cp.Left, cp.Right = kids[0], kids[1]
		return &cp
	case *SpatialJoin:
		cp := *n
		cp.Id = ids.NextID()
		cp.Left, cp.Right = kids[0], kids[1]
		return &cp
	case *SemiJoin:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source, cp.Filtering = kids[0], kids[1]
		return &cp
	case *Aggregation:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Union:
		cp := *n
		cp.Id = ids.NextID()
		cp.Sources = kids
		return &cp
	case *Exchange:
		cp := *n
		cp.Id = ids.NextID()
		cp.Sources = kids
		return &cp
	case *Window:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *MarkDistinct:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *GroupID:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Unnest:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *AssignUniqueID:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Sort:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	case *Sample:
		cp := *n
		cp.Id = ids.NextID()
		cp.Source = kids[0]
		return &cp
	}
	panic(ErrUnsupportedVariant.New(fmt.Sprintf("%T in ReplaceChildren", n)))
}

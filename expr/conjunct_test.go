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

package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConjuncts(t *testing.T) {
	a := Compare(OpGreater, Ident("a"), Integer(1))
	b := Compare(OpLess, Ident("b"), Integer(2))
	c := Compare(OpEquals, Ident("c"), Integer(3))

	require.Empty(t, Conjuncts(Bool(true)))
	require.Empty(t, Conjuncts(nil))
	require.Equal(t, []Node{a}, Conjuncts(a))

	got := Conjuncts(And(And(a, b), c))
	require.Len(t, got, 3)
	require.True(t, got[0].Equals(a))
	require.True(t, got[1].Equals(b))
	require.True(t, got[2].Equals(c))

	// OR does not split
	require.Len(t, Conjuncts(Or(a, b)), 1)

	// Combine is the inverse, with TRUE elided
	require.True(t, IsTrue(Combine(nil)))
	require.True(t, Combine([]Node{Bool(true), a}).Equals(a))
	recombined := Combine([]Node{a, b, c})
	require.Len(t, Conjuncts(recombined), 3)

	// duplicates are dropped, nested conjunctions flattened
	require.True(t, Combine([]Node{a, a}).Equals(a))
	require.Len(t, Conjuncts(Combine([]Node{And(a, b), b, a})), 2)
}

func TestDeterminism(t *testing.T) {
	a := Compare(OpGreater, Ident("a"), Integer(1))
	rnd := Compare(OpLess, CallByName("random"), Ident("a"))

	require.True(t, IsDeterministic(a))
	require.False(t, IsDeterministic(rnd))
	require.True(t, IsDeterministic(CallByName("abs", Ident("a"))))

	filtered := FilterDeterministic(And(a, rnd))
	require.True(t, filtered.Equals(a))
}

func TestContainsTry(t *testing.T) {
	require.True(t, ContainsTry(Compare(OpEquals, CallByName(TryFunc, Ident("a")), Integer(1))))
	require.False(t, ContainsTry(Compare(OpEquals, Ident("a"), Integer(1))))
}

func TestFreeVars(t *testing.T) {
	e := And(
		Compare(OpGreater, Add(Ident("b"), Ident("a")), Integer(1)),
		Compare(OpLess, Ident("a"), Integer(9)),
	)
	require.Equal(t, []Ident{"a", "b"}, FreeVars(e))
	require.Equal(t, 2, Occurrences(e)["a"])
	require.Equal(t, 1, Occurrences(e)["b"])
	require.True(t, VarsIn(e, InScope([]Ident{"a", "b"})))
	require.False(t, VarsIn(e, InScope([]Ident{"a"})))
	require.False(t, VarsIn(e, NotInScope([]Ident{"a"})))
}

func TestReplaceVars(t *testing.T) {
	e := Compare(OpGreater, Add(Ident("a"), Ident("b")), Integer(10))
	got := ReplaceVars(e, map[Ident]Node{"a": Ident("x"), "b": Ident("y")})
	want := Compare(OpGreater, Add(Ident("x"), Ident("y")), Integer(10))
	require.True(t, got.Equals(want), "got %s", ToString(got))

	// untouched expressions come back unchanged
	require.True(t, ReplaceVars(e, nil).Equals(e))
}

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
	"github.com/spf13/cast"
)

// Simplifier returns a Rewriter that performs
// bottom-up constant folding of expressions
// under SQL three-valued logic.
func Simplifier() Rewriter {
	return simplerw{}
}

// Simplify attempts to perform algebraic
// simplification of n and returns the simplified
// node. If no simplification can be performed,
// n itself is returned.
func Simplify(n Node) Node {
	if n == nil {
		return nil
	}
	return Rewrite(simplerw{}, n)
}

// Equivalent returns whether a and b
// are structurally equal after simplification.
func Equivalent(a, b Node) bool {
	return Equal(Simplify(a), Simplify(b))
}

type simplerw struct{}

func (s simplerw) Walk(Node) Rewriter { return s }

func (s simplerw) Rewrite(n Node) Node {
	switch n := n.(type) {
	case *Logical:
		return foldLogical(n)
	case *Not:
		return foldNot(n)
	case *Comparison:
		return foldComparison(n)
	case *Arithmetic:
		return foldArithmetic(n)
	case *IsNull:
		return foldIsNull(n)
	}
	return n
}

func isNullConst(e Node) bool {
	_, ok := e.(Null)
	return ok
}

// three-valued AND/OR folding
func foldLogical(l *Logical) Node {
	lb, lok := l.Left.(Bool)
	rb, rok := l.Right.(Bool)
	ln, rn := isNullConst(l.Left), isNullConst(l.Right)
	if l.Op == OpAnd {
		switch {
		case lok && !bool(lb), rok && !bool(rb):
			return Bool(false)
		case lok && bool(lb):
			return l.Right
		case rok && bool(rb):
			return l.Left
		case ln && rn:
			return Null{}
		case ln:
			// NULL AND x: only foldable when x is constant
			if rok || rn {
				return Null{}
			}
		case rn:
			if lok || ln {
				return Null{}
			}
		}
		return l
	}
	switch {
	case lok && bool(lb), rok && bool(rb):
		return Bool(true)
	case lok && !bool(lb):
		return l.Right
	case rok && !bool(rb):
		return l.Left
	case ln && rn:
		return Null{}
	case ln:
		if rok || rn {
			return Null{}
		}
	case rn:
		if lok || ln {
			return Null{}
		}
	}
	return l
}

func foldNot(n *Not) Node {
	switch e := n.Expr.(type) {
	case Bool:
		return Bool(!e)
	case Null:
		return Null{}
	case *Not:
		return e.Expr
	}
	return n
}

func foldIsNull(i *IsNull) Node {
	if isNullConst(i.Expr) {
		return Bool(true)
	}
	if IsConstant(i.Expr) {
		return Bool(false)
	}
	return i
}

// numeric returns the float64 value of a numeric
// constant, plus whether it was an exact integer
func numeric(e Node) (f float64, isInt bool, ok bool) {
	switch e := e.(type) {
	case Integer:
		return float64(e), true, true
	case Float:
		v, err := cast.ToFloat64E(float64(e))
		return v, false, err == nil
	}
	return 0, false, false
}

func foldComparison(c *Comparison) Node {
	if isNullConst(c.Left) || isNullConst(c.Right) {
		return Null{}
	}
	if !IsConstant(c.Left) || !IsConstant(c.Right) {
		return c
	}
	var cmp int
	var cmpok bool
	if lf, _, lok := numeric(c.Left); lok {
		if rf, _, rok := numeric(c.Right); rok {
			switch {
			case lf < rf:
				cmp = -1
			case lf > rf:
				cmp = 1
			}
			cmpok = true
		}
	}
	if !cmpok {
		if ls, lok := c.Left.(String); lok {
			if rs, rok := c.Right.(String); rok {
				switch {
				case ls < rs:
					cmp = -1
				case ls > rs:
					cmp = 1
				}
				cmpok = true
			}
		}
	}
	if !cmpok {
		if lb, lok := c.Left.(Bool); lok {
			if rb, rok := c.Right.(Bool); rok {
				switch c.Op {
				case OpEquals:
					return Bool(lb == rb)
				case OpNotEquals:
					return Bool(lb != rb)
				}
			}
		}
		// incomparable constants
		return c
	}
	switch c.Op {
	case OpEquals:
		return Bool(cmp == 0)
	case OpNotEquals:
		return Bool(cmp != 0)
	case OpLess:
		return Bool(cmp < 0)
	case OpLessEquals:
		return Bool(cmp <= 0)
	case OpGreater:
		return Bool(cmp > 0)
	case OpGreaterEquals:
		return Bool(cmp >= 0)
	}
	return c
}

func foldArithmetic(a *Arithmetic) Node {
	if isNullConst(a.Left) || isNullConst(a.Right) {
		return Null{}
	}
	li, lint := a.Left.(Integer)
	ri, rint := a.Right.(Integer)
	if lint && rint {
		switch a.Op {
		case AddOp:
			return Integer(li + ri)
		case SubOp:
			return Integer(li - ri)
		case MulOp:
			return Integer(li * ri)
		case DivOp:
			if ri != 0 {
				return Integer(li / ri)
			}
		case ModOp:
			if ri != 0 {
				return Integer(li % ri)
			}
		}
		// division by zero is left for the executor to raise
		return a
	}
	lf, _, lok := numeric(a.Left)
	rf, _, rok := numeric(a.Right)
	if !lok || !rok {
		return a
	}
	switch a.Op {
	case AddOp:
		return Float(lf + rf)
	case SubOp:
		return Float(lf - rf)
	case MulOp:
		return Float(lf * rf)
	case DivOp:
		if rf != 0 {
			return Float(lf / rf)
		}
	}
	return a
}

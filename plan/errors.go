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
	"gopkg.in/src-d/go-errors.v1"
)

// Contract violations inside optimizer passes are
// programming errors, not user errors: they are raised
// by panicking with one of these kinds and are never
// recovered by the pass itself.
var (
	// ErrScopeViolation is raised when an expression's free
	// variables exceed the declared scope at its position.
	ErrScopeViolation = errors.NewKind("scope violation: %s")

	// ErrShapeViolation is raised when an expression does not
	// have the shape its position requires.
	ErrShapeViolation = errors.NewKind("shape violation: %s")

	// ErrUnsupportedVariant is raised when an operator variant
	// reaches a rule that does not define it.
	ErrUnsupportedVariant = errors.NewKind("unsupported variant: %s")
)

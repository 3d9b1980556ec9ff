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
	"github.com/dchest/siphash"
)

const (
	fpk0, fpk1 = 0x7265656c, 0x696e65 // fixed keys; fingerprints are not secrets
)

// Fingerprint returns a 64-bit hash of the textual
// form of e. Structurally equal expressions hash
// equally; collisions must be confirmed with Equals.
func Fingerprint(e Node) uint64 {
	return siphash.Hash(fpk0, fpk1, []byte(ToString(e)))
}

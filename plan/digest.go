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
	"golang.org/x/crypto/blake2b"
)

// Digest returns a content digest of the plan's
// structure. Node ids do not contribute, so a rewrite
// that only re-minted identities digests identically.
func Digest(n Node) [32]byte {
	return blake2b.Sum256([]byte(Explain(n)))
}

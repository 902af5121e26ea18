/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import "hash"

// Hasher is the external collaborator for collision-resistant hashing
// (spec.md §1 "Cryptographic primitives... out of scope"), grounded
// verbatim on the teacher's own processor.go: `type Hasher func() hash.Hash`.
type Hasher func() hash.Hash

// Package integrity computes a Merkle root over a FILE Meta's ordered
// chunk list, giving the indexer and assembler a cheap single-hash
// fingerprint of "this exact ordered sequence of chunks" without having to
// compare whole chunk-list slices by value everywhere.
//
// Grounded on the teacher's crypto/merkle.go ("tree wraps
// github.com/NebulousLabs/merkletree, PushObject encodes-then-pushes each
// leaf"), generalized from encoding.Marshal-based leaves to hashing each
// chunk's ct_hash directly.
package integrity

import (
	"gitlab.com/NebulousLabs/merkletree"
	"golang.org/x/crypto/sha3"

	"github.com/driftsync/driftsync/chunkcrypto"
)

// Root computes the Merkle root over chunks' ct_hashes, in order. Two
// Metas with identical chunk lists (same ct_hash, same order) always
// produce the same root; any difference in content or ordering changes it.
func Root(chunks []chunkcrypto.Hash) chunkcrypto.Hash {
	tree := merkletree.New(sha3.New224())
	for _, c := range chunks {
		tree.Push(c[:])
	}
	var root chunkcrypto.Hash
	copy(root[:], tree.Root())
	return root
}

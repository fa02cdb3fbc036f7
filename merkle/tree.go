package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrLeafNotFound is returned when a proof is requested for a leaf that is not
// part of the tree's current leaf set
var ErrLeafNotFound = errors.New("leaf not found in current leaf set")

// Node is the representation of a single node or leaf in the merkle tree
type Node struct {
	hash  []byte
	index int
}

// Hash returns the hex string representation of the hash of the node
func (node *Node) Hash() string {
	return hex.EncodeToString(node.hash)
}

// Index returns the index of this node in its level
func (node *Node) Index() int {
	return node.index
}

// Proof contains the leaf index and the sibling hashes needed to recompute the
// root from a leaf; the parity of the index at each level determines whether
// the sibling is concatenated on the left or the right
type Proof struct {
	Index int      `json:"index"`
	Path  []string `json:"path"`
}

// Tree is a binary merkle tree built bottom-up from a fixed leaf set with
// sha256 pairwise hashing; an odd node at any level is paired with itself.
// The tree is immutable once built -- every mutation of the underlying leaf
// set requires a full rebuild so the root is deterministic regardless of
// ingestion order.
type Tree struct {
	levels [][]*Node
}

func hash(data ...[]byte) []byte {
	digest := sha256.New()
	for i := range data {
		digest.Write(data[i])
	}
	return digest.Sum(nil)
}

// HashLeaf returns the sha256 leaf hash of the given canonicalized content
func HashLeaf(data []byte) []byte {
	return hash(data)
}

// DefaultLeaf is the leaf representing an empty ballot set; an election with
// no accepted ballots yet still exposes a well-defined root
func DefaultLeaf() []byte {
	return HashLeaf([]byte("{}"))
}

// NewTree builds a tree over the given leaf hashes. The caller supplies leaves
// in canonical order; two independent builds over the same ordered leaf set
// yield bit-identical roots.
func NewTree(leaves [][]byte) *Tree {
	tree := &Tree{
		levels: make([][]*Node, 1),
	}

	tree.levels[0] = make([]*Node, len(leaves))
	for i, leaf := range leaves {
		h := make([]byte, len(leaf))
		copy(h, leaf)
		tree.levels[0][i] = &Node{
			hash:  h,
			index: i,
		}
	}

	tree.build()
	return tree
}

func (tree *Tree) build() {
	for len(tree.levels[len(tree.levels)-1]) > 1 {
		level := tree.levels[len(tree.levels)-1]
		levelLen := len(level)

		parents := make([]*Node, (levelLen/2)+(levelLen%2))
		for i := 0; i < levelLen; i += 2 {
			left := level[i]
			right := tree.sibling(len(tree.levels)-1, i)
			parents[i/2] = &Node{
				hash:  hash(left.hash, right.hash),
				index: i / 2,
			}
		}

		tree.levels = append(tree.levels, parents)
	}
}

// sibling resolves the pairing partner of the node at the given level and
// index; the last node of an odd-length level is paired with itself
func (tree *Tree) sibling(level int, index int) *Node {
	nodes := tree.levels[level]
	if index%2 == 1 {
		return nodes[index-1]
	}

	if index == len(nodes)-1 {
		return nodes[index]
	}

	return nodes[index+1]
}

// Length returns the count of the tree leaves
func (tree *Tree) Length() int {
	return len(tree.levels[0])
}

// Root returns the hex string of the root of the tree or an error if the tree
// has no leaves
func (tree *Tree) Root() (string, error) {
	top := tree.levels[len(tree.levels)-1]
	if len(top) == 0 {
		return "", errors.New("tree contains no leaves")
	}
	return top[0].Hash(), nil
}

// HashAt returns the leaf hash at the given index
func (tree *Tree) HashAt(index int) (string, error) {
	if index < 0 || index >= len(tree.levels[0]) {
		return "", ErrLeafNotFound
	}
	return tree.levels[0][index].Hash(), nil
}

// IndexOf resolves the index of the given leaf hash within the leaf set
func (tree *Tree) IndexOf(leaf []byte) (int, error) {
	needle := hex.EncodeToString(leaf)
	for _, node := range tree.levels[0] {
		if node.Hash() == needle {
			return node.index, nil
		}
	}
	return -1, ErrLeafNotFound
}

// Proof returns the inclusion proof for the given leaf hash; fails with
// ErrLeafNotFound when the leaf is absent from the current leaf set
func (tree *Tree) Proof(leaf []byte) (*Proof, error) {
	index, err := tree.IndexOf(leaf)
	if err != nil {
		return nil, err
	}

	path := make([]string, 0, len(tree.levels)-1)
	cursor := index
	for level := 0; level < len(tree.levels)-1; level++ {
		path = append(path, tree.sibling(level, cursor).Hash())
		cursor /= 2
	}

	return &Proof{
		Index: index,
		Path:  path,
	}, nil
}

// Verify recomputes the root from the given leaf hash and proof and compares
// it to the expected root. It is a pure function with no side effects and can
// be re-implemented client-side from root, leaf and proof alone.
func Verify(root string, leaf []byte, proof *Proof) bool {
	if proof == nil || proof.Index < 0 {
		return false
	}

	current := make([]byte, len(leaf))
	copy(current, leaf)

	index := proof.Index
	for _, sibling := range proof.Path {
		siblingHash, err := hex.DecodeString(sibling)
		if err != nil {
			return false
		}

		if index%2 == 0 {
			current = hash(current, siblingHash)
		} else {
			current = hash(siblingHash, current)
		}

		index /= 2
	}

	return hex.EncodeToString(current) == root
}

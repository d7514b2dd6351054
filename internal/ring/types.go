// Package ring implements RingMixer (spec.md §4.3): the single-signer
// anonymous path used when CoinJoinCoordinator cannot form a quorum —
// linkable ring signatures, stealth addresses, and confidential
// (range-proofed) transaction outputs.
package ring

import "github.com/rawblock/mixcoordinator/pkg/models"

// Signature is a linkable ring signature: a Fiat-Shamir challenge chain
// closed back on itself, plus the key image that makes it linkable
// (spec.md §4.3: "Re-derives the Fiat-Shamir challenge commitment across
// all ring positions and confirms it matches c[0]").
type Signature struct {
	C0       []byte   // initial challenge, c[0]
	S        [][]byte // one response scalar per ring position
	KeyImage []byte
}

// RingInput is one spent input: its ring of candidate keys (real +
// decoys) and which index holds the real signer, known only to the
// caller constructing the transaction.
type RingInput struct {
	Ring      []models.RingKey
	RealIndex int
	Amount    float64
}

// RingOutput is one transaction output, optionally confidential.
type RingOutput struct {
	Address      string
	Amount       float64
	Confidential bool
	Commitment   []byte // present when Confidential
	RangeProof   []byte // present when Confidential
}

// Transaction is a fully-formed ring transaction ready for broadcast.
type Transaction struct {
	Inputs        []RingInput
	Signatures    []*Signature
	Outputs       []RingOutput
	Fee           float64
	Message       []byte
}

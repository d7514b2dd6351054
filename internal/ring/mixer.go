package ring

import (
	"math"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/crypto"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/internal/keyimage"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// Mixer is RingMixer: the single-signer ring-signature path used when
// CoinJoinCoordinator cannot reach quorum.
type Mixer struct {
	cfg      config.RingParams
	registry *keyimage.Registry
	source   UTXOSource
}

// NewMixer builds a Mixer over cfg's ring-size/algorithm/decoy
// configuration, a shared key-image registry, and a UTXO source for
// decoy selection.
func NewMixer(cfg config.RingParams, registry *keyimage.Registry, source UTXOSource) *Mixer {
	return &Mixer{cfg: cfg, registry: registry, source: source}
}

// CreateStealthAddress generates a fresh one-time address for a
// recipient's (spendPubKey, viewPubKey) pair (spec.md §4.3).
func (m *Mixer) CreateStealthAddress(spendPub, viewPub *secp256k1.PublicKey) (*crypto.StealthAddress, error) {
	return crypto.CreateStealthAddress(spendPub, viewPub)
}

// ScanForIncomingPayments reports, for each candidate output, whether it
// was addressed to (viewPriv, spendPub) (spec.md §4.3).
func (m *Mixer) ScanForIncomingPayments(viewPriv *secp256k1.PrivateKey, spendPub *secp256k1.PublicKey, outputs []crypto.StealthAddress) ([]crypto.StealthAddress, error) {
	var matches []crypto.StealthAddress
	for _, out := range outputs {
		found, err := crypto.ScanStealthOutput(viewPriv, spendPub, out.TxPublicKey, out.OneTimePubKey)
		if err != nil {
			return nil, err
		}
		if found {
			matches = append(matches, out)
		}
	}
	return matches, nil
}

// CreateRingTransaction builds a ring transaction: for each input it
// draws decoys by the configured distribution, places the real key at a
// uniformly chosen index, signs over the transaction message, and
// attaches range proofs to confidential outputs (spec.md §4.3
// CreateRingTransaction).
func (m *Mixer) CreateRingTransaction(message []byte, inputs []RealInput, outputs []RingOutput, fee float64, currentHeight int64, confidential bool) (*Transaction, error) {
	const op = "Mixer.CreateRingTransaction"

	tx := &Transaction{Outputs: outputs, Fee: fee, Message: message}

	for _, in := range inputs {
		pool, err := m.source.CandidateKeys(in.currency, m.cfg.MinimumAgeBlocks, m.cfg.MaximumAgeBlocks, currentHeight)
		if err != nil {
			return nil, errs.Wrap(op, errs.Transient, "decoy pool lookup failed", err)
		}

		realKey := models.RingKey{
			PublicKey:   in.realPriv.PubKey().SerializeCompressed(),
			BlockHeight: in.blockHeight,
			Amount:      in.amount,
		}
		ring, realIndex, err := SelectDecoys(pool, realKey, m.cfg.DefaultRingSize, m.cfg.DecoySelection, currentHeight)
		if err != nil {
			return nil, errs.Wrap(op, errs.Fatal, "decoy selection failed", err)
		}

		sig, err := CreateSignature(m.registry, message, in.realPriv, ring, realIndex)
		if err != nil {
			return nil, err
		}

		tx.Inputs = append(tx.Inputs, RingInput{Ring: ring, RealIndex: realIndex, Amount: in.amount})
		tx.Signatures = append(tx.Signatures, sig)
	}

	if confidential {
		for i := range tx.Outputs {
			if !tx.Outputs[i].Confidential {
				continue
			}
			commitment := crypto.Blind(tx.Outputs[i].Address, commitmentFactor(tx.Outputs[i]))
			tx.Outputs[i].Commitment = commitment
			tx.Outputs[i].RangeProof = makeConfidentialRangeProof(commitment)
		}
	}

	return tx, nil
}

// VerifyRingTransaction checks balance equality (skipped in confidential
// mode, where range-proof validation substitutes), verifies every ring
// signature, checks every key image against the registry, and verifies
// every range proof (spec.md §4.3 VerifyRingTransaction).
func (m *Mixer) VerifyRingTransaction(tx *Transaction, confidential bool) error {
	const op = "Mixer.VerifyRingTransaction"

	if !confidential {
		var totalIn, totalOut float64
		for _, in := range tx.Inputs {
			totalIn += in.Amount
		}
		for _, out := range tx.Outputs {
			totalOut += out.Amount
		}
		if math.Abs(totalIn-totalOut-tx.Fee) >= m.cfg.BalanceTolerance {
			return errs.New(op, errs.ProtocolViolation, "input/output/fee balance mismatch")
		}
	}

	if len(tx.Inputs) != len(tx.Signatures) {
		return errs.New(op, errs.ProtocolViolation, "signature count mismatch")
	}
	for i, in := range tx.Inputs {
		if !VerifySignature(tx.Message, tx.Signatures[i], in.Ring) {
			return errs.New(op, errs.ProtocolViolation, "ring signature verification failed")
		}
		if !m.registry.Contains(tx.Signatures[i].KeyImage) {
			return errs.New(op, errs.DoubleSpend, "key image not registered")
		}
	}

	if confidential {
		for _, out := range tx.Outputs {
			if !out.Confidential {
				continue
			}
			if !verifyConfidentialRangeProof(out.Commitment, out.RangeProof) {
				return errs.New(op, errs.ProtocolViolation, "range proof verification failed")
			}
		}
	}

	return nil
}

// RealInput is the real signer's side of one ring-transaction input —
// never serialized, consumed only by CreateRingTransaction.
type RealInput struct {
	currency    config.Currency
	realPriv    *secp256k1.PrivateKey
	amount      float64
	blockHeight int64
}

// NewRealInput builds a RealInput for CreateRingTransaction.
func NewRealInput(currency config.Currency, realPriv *secp256k1.PrivateKey, amount float64, blockHeight int64) RealInput {
	return RealInput{currency: currency, realPriv: realPriv, amount: amount, blockHeight: blockHeight}
}

func commitmentFactor(out RingOutput) []byte {
	return crypto.ScalarBytes(crypto.DeterministicNonce([]byte(out.Address), []byte("commitment-factor")))
}

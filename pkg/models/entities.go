// Package models holds the persisted entities of the mixing coordinator
// (spec.md §3): MixRequest, DepositAddress, Wallet, OutputTransaction,
// CoinJoinSession, Participant, RingKey, and the immutable log kinds.
package models

import (
	"time"

	"github.com/rawblock/mixcoordinator/internal/config"
)

// MixRequestStatus is a state in the MixRequestEngine FSM (spec.md §4.1).
type MixRequestStatus string

const (
	StatusPending    MixRequestStatus = "PENDING"
	StatusDeposited  MixRequestStatus = "DEPOSITED"
	StatusPooling    MixRequestStatus = "POOLING"
	StatusMixing     MixRequestStatus = "MIXING"
	StatusCompleting MixRequestStatus = "COMPLETING"
	StatusCompleted  MixRequestStatus = "COMPLETED"
	StatusCancelled  MixRequestStatus = "CANCELLED"
	StatusFailed     MixRequestStatus = "FAILED"
	StatusBlocked    MixRequestStatus = "BLOCKED"
)

// Terminal reports whether the status is one of the FSM's terminal states.
func (s MixRequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// transitions is the adjacency list of the FSM in spec.md §4.1 — the
// single source of truth for what moves are legal. The one move Engine
// makes outside this table is recordAttempt's POOLING -> DEPOSITED reset,
// which returns a request to the admission queue for a retry.
var transitions = map[MixRequestStatus]map[MixRequestStatus]bool{
	StatusPending:    {StatusDeposited: true, StatusCancelled: true, StatusFailed: true, StatusBlocked: true},
	StatusDeposited:  {StatusPooling: true, StatusFailed: true, StatusCancelled: true},
	StatusPooling:    {StatusMixing: true, StatusFailed: true},
	StatusMixing:     {StatusCompleting: true, StatusFailed: true},
	StatusCompleting: {StatusCompleted: true, StatusFailed: true},
}

// CanTransition reports whether from -> to is a legal FSM edge.
func CanTransition(from, to MixRequestStatus) bool {
	if from == to {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Algorithm is the mixing strategy chosen for a request (spec.md §9:
// "closed tagged variant rather than open inheritance").
type Algorithm string

const (
	AlgorithmCoinJoin Algorithm = "COINJOIN"
	AlgorithmRing     Algorithm = "RING"
	AlgorithmStealth  Algorithm = "STEALTH"
)

// MixOutput is one (address, percentage) pair of a MixRequest's payout plan.
type MixOutput struct {
	Address    string  `json:"address"`
	Percentage float64 `json:"percentage"`
}

// MixRequest is the top-level per-request entity (spec.md §3).
type MixRequest struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"userId,omitempty"`
	Currency           config.Currency     `json:"currency"`
	InputAmount        float64             `json:"inputAmount"`
	Outputs            []MixOutput         `json:"outputs"`
	Status             MixRequestStatus    `json:"status"`
	Algorithm          Algorithm           `json:"algorithm,omitempty"`
	DepositTxid        string              `json:"depositTxid,omitempty"`
	DepositBlockHeight int64               `json:"depositBlockHeight,omitempty"`
	DepositConfirmedAt *time.Time          `json:"depositConfirmedAt,omitempty"`
	PendingReview      bool                `json:"pendingReview"`
	SessionID          string              `json:"sessionId,omitempty"` // CoinJoin session or ring-transaction correlation id
	CompletedAt        *time.Time          `json:"completedAt,omitempty"`
	ErrorMessage        string              `json:"errorMessage,omitempty"`
	RetryCount          map[string]int      `json:"retryCount,omitempty"` // per-stage retry budget usage
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// PercentageSum returns the sum of output percentages; MixRequest's
// invariant requires this to equal exactly 100.
func (r *MixRequest) PercentageSum() float64 {
	var sum float64
	for _, o := range r.Outputs {
		sum += o.Percentage
	}
	return sum
}

// DepositAddress is the 1:1 child of a MixRequest that receives the
// incoming funds (spec.md §3).
type DepositAddress struct {
	ID                   string          `json:"id"`
	MixRequestID         string          `json:"mixRequestId"`
	Currency             config.Currency `json:"currency"`
	Address              string          `json:"address"`
	PrivateKeyCiphertext []byte          `json:"-"`
	IV                   []byte          `json:"-"`
	DerivationPath       string          `json:"derivationPath,omitempty"`
	AddressIndex         uint32          `json:"addressIndex"`
	Used                 bool            `json:"used"`
	FirstUsedAt          *time.Time      `json:"firstUsedAt,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// WalletType is one of the four wallet roles (spec.md §3).
type WalletType string

const (
	WalletHot      WalletType = "HOT"
	WalletCold     WalletType = "COLD"
	WalletPool     WalletType = "POOL"
	WalletMultisig WalletType = "MULTISIG"
)

// WalletStatus tracks a Wallet's operational state (spec.md §3).
type WalletStatus string

const (
	WalletActive   WalletStatus = "ACTIVE"
	WalletArchived WalletStatus = "ARCHIVED"
	WalletLocked   WalletStatus = "LOCKED"
)

// Wallet is a custodied balance of one currency (spec.md §3, §4.4).
type Wallet struct {
	ID          string          `json:"id"`
	Currency    config.Currency `json:"currency"`
	Type        WalletType      `json:"type"`
	Address     string          `json:"address"`
	Balance     float64         `json:"balance"`
	IsActive    bool            `json:"isActive"`
	IsLocked    bool            `json:"isLocked"`
	Status      WalletStatus    `json:"status"`
	LastUsedAt  time.Time       `json:"lastUsedAt"`
	UsageCount  int64           `json:"usageCount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// OutputTransactionStatus tracks one scheduled payout leg (spec.md §3).
type OutputTransactionStatus string

const (
	OutputPending   OutputTransactionStatus = "PENDING"
	OutputSigned    OutputTransactionStatus = "SIGNED"
	OutputBroadcast OutputTransactionStatus = "BROADCAST"
	OutputConfirmed OutputTransactionStatus = "CONFIRMED"
	OutputFailed    OutputTransactionStatus = "FAILED"
)

// OutputTransaction is one of a MixRequest's scheduled release legs.
type OutputTransaction struct {
	ID           string                  `json:"id"`
	MixRequestID string                  `json:"mixRequestId"`
	OutputIndex  int                     `json:"outputIndex"`
	Address      string                  `json:"address"`
	Amount       float64                 `json:"amount"`
	ScheduledAt  time.Time               `json:"scheduledAt"`
	Status       OutputTransactionStatus `json:"status"`
	Txid         string                  `json:"txid,omitempty"`
	RetryCount   int                     `json:"retryCount"`
}

// SessionPhase is a CoinJoinSession phase (spec.md §4.2), monotonic.
type SessionPhase string

const (
	PhaseRegistration       SessionPhase = "REGISTRATION"
	PhaseOutputRegistration SessionPhase = "OUTPUT_REGISTRATION"
	PhaseSigning            SessionPhase = "SIGNING"
	PhaseBroadcasting       SessionPhase = "BROADCASTING"
	PhaseCompleted          SessionPhase = "COMPLETED"
	PhaseFailed             SessionPhase = "FAILED"
)

var phaseOrder = map[SessionPhase]int{
	PhaseRegistration:       0,
	PhaseOutputRegistration: 1,
	PhaseSigning:            2,
	PhaseBroadcasting:       3,
	PhaseCompleted:          4,
}

// PhaseAdvances reports whether moving from 'from' to 'to' is a forward
// (or terminal-failure) step, enforcing the phase-monotonic invariant.
func PhaseAdvances(from, to SessionPhase) bool {
	if to == PhaseFailed {
		return from != PhaseCompleted
	}
	fo, ok1 := phaseOrder[from]
	toOrd, ok2 := phaseOrder[to]
	return ok1 && ok2 && toOrd == fo+1
}

// ParticipantStatus tracks one participant's progress through a session.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "REGISTERED"
	ParticipantCommitted  ParticipantStatus = "COMMITTED"
	ParticipantSigned     ParticipantStatus = "SIGNED"
	ParticipantConfirmed  ParticipantStatus = "CONFIRMED"
	ParticipantFailed     ParticipantStatus = "FAILED"
)

// UTXORef is an input reference a Participant contributes to a session.
type UTXORef struct {
	Txid        string  `json:"txid"`
	OutputIndex uint32  `json:"outputIndex"`
	Amount      float64 `json:"amount"`
}

// BlindedOutput is a participant's Pedersen-style commitment plus range
// proof, registered during OUTPUT_REGISTRATION (spec.md §4.2).
// BlindingFactor accompanies the commitment so the coordinator can
// unblind it into the real destination address once every participant
// has committed (spec.md §4.2 "Blinded-output unblinding") — revealing
// it here rather than in a separate phase is safe because the output
// shuffle immediately before SIGNING, not the timing of this reveal,
// is what breaks the participant↔output correlation.
type BlindedOutput struct {
	Commitment     []byte `json:"commitment"`
	RangeProof     []byte `json:"rangeProof"`
	BlindingFactor []byte `json:"-"`
}

// Participant is one registrant in a CoinJoinSession (spec.md §3).
type Participant struct {
	ID              string            `json:"id"` // = H(publicKey)
	PublicKey       []byte            `json:"publicKey"`
	Inputs          []UTXORef         `json:"inputs"`
	BlindedOutputs  []BlindedOutput   `json:"blindedOutputs,omitempty"`
	BlindingFactor  []byte            `json:"-"`
	FinalOutputAddr string            `json:"-"` // unblinded address, known only to coordinator until broadcast
	Signatures      [][]byte          `json:"-"`
	Status          ParticipantStatus `json:"status"`
	RegisteredAt    time.Time         `json:"registeredAt"`
}

// CoinJoinSession is the multi-party session state machine entity
// (spec.md §3, §4.2).
type CoinJoinSession struct {
	ID              string                  `json:"id"`
	CoordinatorID   string                  `json:"coordinatorId"`
	Currency        config.Currency         `json:"currency"`
	Denomination    float64                 `json:"denomination"`
	Participants    map[string]*Participant `json:"participants"`
	Phase           SessionPhase            `json:"phase"`
	MinParticipants int                     `json:"minParticipants"`
	MaxParticipants int                     `json:"maxParticipants"`
	ExpiresAt       time.Time               `json:"expiresAt"`
	BlameList       []string                `json:"blameList"`
	ShuffleSeed     []byte                  `json:"-"`
	OutputOrder     []int                   `json:"-"` // shuffled output permutation, fixed before signing
	TxMessage       []byte                  `json:"-"` // the SHA-256 message every participant signs
	CreatedAt       time.Time               `json:"createdAt"`
}

// ActiveParticipantCount returns the number of participants not yet failed
// or blamed off the session.
func (s *CoinJoinSession) ActiveParticipantCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Status != ParticipantFailed {
			n++
		}
	}
	return n
}

// RingKey is one member of a ring-signature ring (spec.md §3).
type RingKey struct {
	PublicKey  []byte
	PrivateKey []byte // present only for the real signer
	KeyImage   []byte // populated only for the real signer
	Index      int
	Amount     float64
	BlockHeight int64
}

// AuditLog, Alert, SecurityLog share the immutable-log shape (spec.md §3).
type LogLevel string

const (
	LogInfo     LogLevel = "info"
	LogLow      LogLevel = "low"
	LogMedium   LogLevel = "medium"
	LogHigh     LogLevel = "high"
	LogCritical LogLevel = "critical"
)

// AuditLog is an immutable, fire-and-forget record of a state transition
// or administrative action (spec.md §7: "Audit logging is asynchronous
// and must never fail a state transition").
type AuditLog struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	Action    string    `json:"action"`
	Level     LogLevel  `json:"level"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

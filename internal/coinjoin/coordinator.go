// Package coinjoin implements CoinJoinCoordinator (spec.md §4.2): the
// four-phase multi-party mixing session protocol — REGISTRATION,
// OUTPUT_REGISTRATION, SIGNING, BROADCASTING — with double-spend
// prevention via key images and a blame/ban mechanism for misbehaving
// participants.
package coinjoin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/crypto"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/internal/keyimage"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// sessionState is the coordinator's private working copy of a session:
// the exported models.CoinJoinSession plus fields that never leave the
// process (challenges issued, per-session lock).
type sessionState struct {
	mu        sync.Mutex
	session   *models.CoinJoinSession
	challenges map[string][]byte // participantId -> outstanding proof-of-funds challenge
}

// Repository is the durable persistence boundary the coordinator
// consumes for session snapshots (spec.md §6).
type Repository interface {
	SaveSession(ctx context.Context, s *models.CoinJoinSession) error
}

// Coordinator is CoinJoinCoordinator.
type Coordinator struct {
	cfg      config.CoinJoinParams
	registry *keyimage.Registry
	bans     *banList
	repo     Repository
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewCoordinator builds a Coordinator over cfg's phase timeouts/fees and
// repo for durable session snapshots.
func NewCoordinator(cfg config.CoinJoinParams, repo Repository) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		registry: keyimage.NewRegistry(),
		bans:     newBanList(cfg.BanDuration),
		repo:     repo,
		log:      log.With().Str("component", "coinjoin.Coordinator").Logger(),
		sessions: make(map[string]*sessionState),
	}
}

// MinParticipants returns the configured quorum size, used by
// MixRequestEngine's algorithm-selection rule (spec.md §4.1 Tick).
func (c *Coordinator) MinParticipants() int {
	return c.cfg.MinParticipants
}

// Snapshot returns a read-only copy of a session's current state, for
// API introspection. The participant map is copied one level deep so
// callers can't mutate a live session through the returned value.
func (c *Coordinator) Snapshot(sessionID string) (*models.CoinJoinSession, error) {
	st, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.session
	cp.Participants = make(map[string]*models.Participant, len(st.session.Participants))
	for id, p := range st.session.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return &cp, nil
}

// CreateSession selects the largest standard denomination D ≤ amount and
// opens a REGISTRATION-phase session for it.
func (c *Coordinator) CreateSession(ctx context.Context, currency config.Currency, amount float64, coordinatorKey []byte) (string, error) {
	const op = "Coordinator.CreateSession"

	denom, ok := largestDenomination(currency, amount)
	if !ok {
		return "", errs.New(op, errs.InputValidation, "NoMatchingDenomination")
	}

	now := time.Now().UTC()
	session := &models.CoinJoinSession{
		ID:              uuid.NewString(),
		CoordinatorID:   hex.EncodeToString(coordinatorKey),
		Currency:        currency,
		Denomination:    denom,
		Participants:    make(map[string]*models.Participant),
		Phase:           models.PhaseRegistration,
		MinParticipants: c.cfg.MinParticipants,
		MaxParticipants: c.cfg.MaxParticipants,
		ExpiresAt:       now.Add(c.cfg.RegistrationTimeout),
		CreatedAt:       now,
	}

	st := &sessionState{session: session, challenges: make(map[string][]byte)}
	c.mu.Lock()
	c.sessions[session.ID] = st
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.SaveSession(ctx, session); err != nil {
			return "", errs.Wrap(op, errs.Transient, "persist session", err)
		}
	}
	return session.ID, nil
}

// largestDenomination returns the largest entry in config.Denominations
// for currency that is <= amount.
func largestDenomination(currency config.Currency, amount float64) (float64, bool) {
	denoms, ok := config.Denominations[currency]
	if !ok {
		return 0, false
	}
	sorted := append([]float64{}, denoms...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	for _, d := range sorted {
		if d <= amount {
			return d, true
		}
	}
	return 0, false
}

func (c *Coordinator) get(sessionID string) (*sessionState, error) {
	c.mu.RLock()
	st, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New("Coordinator", errs.InputValidation, "session not found")
	}
	return st, nil
}

// IssueChallenge generates a random proof-of-funds challenge for a
// prospective participant (spec.md §4.2: "coordinator issues a random
// challenge; participant returns a signature over it").
func (c *Coordinator) IssueChallenge(sessionID, participantID string) ([]byte, error) {
	st, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, errs.Wrap("Coordinator.IssueChallenge", errs.Fatal, "rng failure", err)
	}
	st.mu.Lock()
	st.challenges[participantID] = challenge
	st.mu.Unlock()
	return challenge, nil
}

// Register admits a participant into a session's input-registration
// phase (spec.md §4.2 op 2).
func (c *Coordinator) Register(ctx context.Context, sessionID string, inputs []models.UTXORef, pubKey []byte, proof *crypto.SchnorrSignature) (string, error) {
	const op = "Coordinator.Register"

	participantID := hex.EncodeToString(sha256Sum(pubKey))
	if c.bans.isBanned(participantID) {
		return "", errs.New(op, errs.PolicyRejection, "Banned")
	}

	st, err := c.get(sessionID)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	session := st.session
	if session.Phase != models.PhaseRegistration {
		return "", errs.New(op, errs.ProtocolViolation, "WrongPhase")
	}
	if session.ActiveParticipantCount() >= session.MaxParticipants {
		return "", errs.New(op, errs.PolicyRejection, "SessionFull")
	}

	if challenge, ok := st.challenges[participantID]; ok {
		if proof == nil {
			return "", errs.New(op, errs.ProtocolViolation, "proof of funds required")
		}
		pub, perr := crypto.ParsePublicKey(pubKey)
		if perr != nil || !crypto.VerifySchnorr(pub, challenge, proof) {
			return "", errs.New(op, errs.ProtocolViolation, "proof of funds verification failed")
		}
	}

	var total float64
	for _, in := range inputs {
		total += in.Amount
	}
	required := session.Denomination + session.Denomination*c.cfg.CoordinatorFeeRate + c.cfg.NetworkFee
	if total < required {
		return "", errs.New(op, errs.InsufficientFunds, "inputs do not cover denomination plus fees")
	}

	for _, in := range inputs {
		img, kerr := keyImageFor(pubKey, in)
		if kerr != nil {
			return "", errs.Wrap(op, errs.Fatal, "key image derivation failed", kerr)
		}
		if !c.registry.Insert(img) {
			return "", errs.New(op, errs.DoubleSpend, fmt.Sprintf("input %s:%d already spent", in.Txid, in.OutputIndex))
		}
	}

	session.Participants[participantID] = &models.Participant{
		ID:           participantID,
		PublicKey:    pubKey,
		Inputs:       inputs,
		Status:       models.ParticipantRegistered,
		RegisteredAt: time.Now().UTC(),
	}
	delete(st.challenges, participantID)

	return participantID, nil
}

// RegisterOutputs accepts a participant's blinded outputs, verifying each
// commitment's range proof (spec.md §4.2 op 3). A verification failure
// bans the participant.
func (c *Coordinator) RegisterOutputs(sessionID, participantID string, outputs []models.BlindedOutput) error {
	const op = "Coordinator.RegisterOutputs"

	st, err := c.get(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	session := st.session
	if session.Phase != models.PhaseOutputRegistration {
		return errs.New(op, errs.ProtocolViolation, "WrongPhase")
	}
	participant, ok := session.Participants[participantID]
	if !ok {
		return errs.New(op, errs.InputValidation, "unknown participant")
	}

	for _, out := range outputs {
		if !verifyRangeProof(out.Commitment, out.RangeProof) {
			c.blame(session, participantID)
			return errs.New(op, errs.ProtocolViolation, "range proof verification failed")
		}
	}

	participant.BlindedOutputs = outputs
	if len(outputs) > 0 {
		participant.BlindingFactor = outputs[0].BlindingFactor
	}
	participant.Status = models.ParticipantCommitted
	return nil
}

// Sign verifies a participant's signatures over the session's
// transaction message (spec.md §4.2 op 4). An invalid signature blames
// and bans the participant.
func (c *Coordinator) Sign(sessionID, participantID string, signatures [][]byte, useSchnorr bool) error {
	const op = "Coordinator.Sign"

	st, err := c.get(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	session := st.session
	if session.Phase != models.PhaseSigning {
		return errs.New(op, errs.ProtocolViolation, "WrongPhase")
	}
	participant, ok := session.Participants[participantID]
	if !ok {
		return errs.New(op, errs.InputValidation, "unknown participant")
	}
	if len(session.TxMessage) == 0 {
		return errs.New(op, errs.ProtocolViolation, "transaction message not finalized")
	}

	pub, err := crypto.ParsePublicKey(participant.PublicKey)
	if err != nil {
		return errs.Wrap(op, errs.Fatal, "bad participant public key", err)
	}

	for _, sig := range signatures {
		valid := false
		if useSchnorr {
			if s, perr := decodeSchnorrSignature(sig); perr == nil {
				valid = crypto.VerifySchnorr(pub, session.TxMessage, s)
			}
		} else {
			valid = crypto.VerifyECDSA(pub, session.TxMessage, sig)
		}
		if !valid {
			c.blame(session, participantID)
			return errs.New(op, errs.ProtocolViolation, "invalid signature")
		}
	}

	participant.Signatures = signatures
	participant.Status = models.ParticipantSigned
	return nil
}

// blame adds participantID to the session's blame list and to the
// global ban set with TTL = banDuration (spec.md §4.2).
func (c *Coordinator) blame(session *models.CoinJoinSession, participantID string) {
	session.BlameList = append(session.BlameList, participantID)
	if p, ok := session.Participants[participantID]; ok {
		p.Status = models.ParticipantFailed
	}
	c.bans.ban(participantID)
	c.log.Warn().Str("sessionId", session.ID).Str("participantId", participantID).Msg("participant blamed and banned")
}

// prepareSigningMessage gathers every still-active participant's
// unblinded output address, shuffles the output set, and computes the
// SHA-256 message every participant signs (spec.md §4.2's "Transaction
// message"), storing it on session.TxMessage before the phase advances
// from OUTPUT_REGISTRATION to SIGNING. The caller (tickSession, via
// advancePhase) must already hold session's lock.
func (c *Coordinator) prepareSigningMessage(session *models.CoinJoinSession) error {
	const op = "Coordinator.prepareSigningMessage"

	ids := sortedParticipantIDs(session)
	addrs := make([]string, 0, len(ids))
	amounts := make([]float64, 0, len(ids))
	scripts := make([][]byte, 0, len(ids))
	for _, id := range ids {
		p := session.Participants[id]
		if p.Status == models.ParticipantFailed {
			continue
		}
		if len(p.BlindedOutputs) == 0 {
			return errs.New(op, errs.ProtocolViolation, "committed participant has no blinded output")
		}
		out := p.BlindedOutputs[0]
		addr := crypto.UnblindOutput(out.Commitment, out.BlindingFactor)
		p.FinalOutputAddr = addr
		addrs = append(addrs, addr)
		amounts = append(amounts, session.Denomination)
		scripts = append(scripts, placeholderScript(addr))
	}

	return buildTransactionMessageLocked(session, addrs, amounts, scripts)
}

// buildTransactionMessageLocked computes the SHA-256 message every
// participant signs: every active participant's input (txid,
// outputIndex, amount), in participant-id order, followed by every
// output's (address, amount, script) in shuffled order (spec.md §4.2).
// session must already be locked by the caller.
func buildTransactionMessageLocked(session *models.CoinJoinSession, outputAddrs []string, outputAmounts []float64, outputScripts [][]byte) error {
	const op = "Coordinator.buildTransactionMessageLocked"

	order, seed, err := fisherYatesShuffle(len(outputAddrs))
	if err != nil {
		return errs.Wrap(op, errs.Fatal, "shuffle rng failure", err)
	}
	session.OutputOrder = order
	session.ShuffleSeed = seed

	h := sha256.New()
	for _, id := range sortedParticipantIDs(session) {
		p := session.Participants[id]
		if p.Status == models.ParticipantFailed {
			continue
		}
		for _, in := range p.Inputs {
			h.Write([]byte(in.Txid))
			var idx [4]byte
			binary.BigEndian.PutUint32(idx[:], in.OutputIndex)
			h.Write(idx[:])
			h.Write(amountBytes(in.Amount))
		}
	}
	for _, i := range order {
		h.Write([]byte(outputAddrs[i]))
		h.Write(amountBytes(outputAmounts[i]))
		h.Write(outputScripts[i])
	}

	session.TxMessage = h.Sum(nil)
	return nil
}

// placeholderScript stands in for the real per-chain scriptPubKey
// encoding, which spec.md §1 explicitly puts out of scope ("we do not
// prescribe a particular blockchain-library wire encoding"): every
// participant only needs to agree on a stable digest of the output
// address to sign over, not a broadcastable script.
func placeholderScript(addr string) []byte {
	sum := sha256.Sum256([]byte("script:" + addr))
	return sum[:]
}

func sortedParticipantIDs(session *models.CoinJoinSession) []string {
	ids := make([]string, 0, len(session.Participants))
	for id := range session.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func amountBytes(amount float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(amount*1e8))
	return b[:]
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// keyImageFor derives a pseudo key image, sha256(pubKey ‖ "txid:index"),
// for one registered input. It is not the x·H_p(P) key image: the
// coordinator never holds participants' private keys.
func keyImageFor(pubKey []byte, in models.UTXORef) ([]byte, error) {
	seed := append(append([]byte{}, pubKey...), []byte(fmt.Sprintf("%s:%d", in.Txid, in.OutputIndex))...)
	return sha256Sum(seed), nil
}

func decodeSchnorrSignature(raw []byte) (*crypto.SchnorrSignature, error) {
	if len(raw) != 65 {
		return nil, errs.New("decodeSchnorrSignature", errs.InputValidation, "signature must be 65 bytes (33-byte R || 32-byte s)")
	}
	return &crypto.SchnorrSignature{R: raw[:33], S: raw[33:]}, nil
}

package ring

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/rawblock/mixcoordinator/internal/crypto"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/internal/keyimage"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// CreateSignature builds a linkable ring signature over message: the
// real key must sit at ring[realIndex]; its key image x·H_p(P) is
// checked against registry (reject on reuse) then registered on success
// (spec.md §4.3 CreateSignature).
func CreateSignature(registry *keyimage.Registry, message []byte, realPriv *secp256k1.PrivateKey, ring []models.RingKey, realIndex int) (*Signature, error) {
	const op = "ring.CreateSignature"
	n := len(ring)
	if realIndex < 0 || realIndex >= n {
		return nil, errs.New(op, errs.InputValidation, "real key index out of range")
	}

	realPub := realPriv.PubKey()
	img, err := crypto.KeyImage(realPriv, realPub)
	if err != nil {
		return nil, errs.Wrap(op, errs.Fatal, "key image derivation failed", err)
	}
	if registry.Contains(img) {
		return nil, errs.New(op, errs.DoubleSpend, "key image already spent")
	}

	hp := make([]*secp256k1.PublicKey, n)
	pubs := make([]*secp256k1.PublicKey, n)
	for i, k := range ring {
		pub, perr := crypto.ParsePublicKey(k.PublicKey)
		if perr != nil {
			return nil, errs.Wrap(op, errs.InputValidation, "malformed ring public key", perr)
		}
		pubs[i] = pub
		h, herr := crypto.HashToCurve(k.PublicKey)
		if herr != nil {
			return nil, errs.Wrap(op, errs.Fatal, "hash-to-curve failed", herr)
		}
		hp[i] = h
	}

	c := make([]*secp256k1.ModNScalar, n)
	s := make([]*secp256k1.ModNScalar, n)

	a, err := randomScalar()
	if err != nil {
		return nil, errs.Wrap(op, errs.Fatal, "rng failure", err)
	}

	lReal := crypto.ScalarBaseMul(a)
	hpRealPoint := crypto.PointFromPub(hp[realIndex])
	rReal := crypto.ScalarMulPoint(a, &hpRealPoint)

	next := (realIndex + 1) % n
	c[next] = challengeScalar(message, &lReal, &rReal)

	for offset := 1; offset < n; offset++ {
		i := (realIndex + offset) % n
		si, serr := randomScalar()
		if serr != nil {
			return nil, errs.Wrap(op, errs.Fatal, "rng failure", serr)
		}
		s[i] = si

		piPoint := crypto.PointFromPub(pubs[i])
		l1 := crypto.ScalarBaseMul(si)
		l2 := crypto.ScalarMulPoint(c[i], &piPoint)
		l := crypto.PointAdd(&l1, &l2)

		hpPoint := crypto.PointFromPub(hp[i])
		imgPoint := pointFromCompressed(img)
		r1 := crypto.ScalarMulPoint(si, &hpPoint)
		r2 := crypto.ScalarMulPoint(c[i], &imgPoint)
		r := crypto.PointAdd(&r1, &r2)

		nxt := (i + 1) % n
		c[nxt] = challengeScalar(message, &l, &r)
	}

	ex := crypto.ScalarMul(c[realIndex], crypto.ScalarFromBytes(realPriv.Serialize()))
	s[realIndex] = crypto.ScalarAdd(a, crypto.ScalarNegate(ex))

	sig := &Signature{
		C0:       crypto.ScalarBytes(c[0]),
		S:        make([][]byte, n),
		KeyImage: img,
	}
	for i := 0; i < n; i++ {
		sig.S[i] = crypto.ScalarBytes(s[i])
	}

	if !registry.Insert(img) {
		return nil, errs.New(op, errs.DoubleSpend, "key image already spent")
	}
	return sig, nil
}

// VerifySignature re-derives the Fiat-Shamir challenge chain across all
// ring positions and confirms it closes back to c[0] (spec.md §4.3
// VerifySignature).
func VerifySignature(message []byte, sig *Signature, ring []models.RingKey) bool {
	n := len(ring)
	if sig == nil || len(sig.S) != n || n == 0 {
		return false
	}

	c := crypto.ScalarFromBytes(sig.C0)
	imgPoint := pointFromCompressed(sig.KeyImage)

	for i := 0; i < n; i++ {
		pub, err := crypto.ParsePublicKey(ring[i].PublicKey)
		if err != nil {
			return false
		}
		hp, err := crypto.HashToCurve(ring[i].PublicKey)
		if err != nil {
			return false
		}
		si := crypto.ScalarFromBytes(sig.S[i])

		piPoint := crypto.PointFromPub(pub)
		l1 := crypto.ScalarBaseMul(si)
		l2 := crypto.ScalarMulPoint(c, &piPoint)
		l := crypto.PointAdd(&l1, &l2)

		hpPoint := crypto.PointFromPub(hp)
		r1 := crypto.ScalarMulPoint(si, &hpPoint)
		r2 := crypto.ScalarMulPoint(c, &imgPoint)
		r := crypto.PointAdd(&r1, &r2)

		c = challengeScalar(message, &l, &r)
	}

	return scalarEqual(c, crypto.ScalarFromBytes(sig.C0))
}

func challengeScalar(message []byte, l, r *secp256k1.JacobianPoint) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(message)
	h.Write(crypto.PointToCompressed(l))
	h.Write(crypto.PointToCompressed(r))
	return crypto.ScalarFromBytes(h.Sum(nil))
}

func randomScalar() (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		s := crypto.ScalarFromBytes(buf[:])
		if !s.IsZero() {
			return s, nil
		}
	}
}

func pointFromCompressed(compressed []byte) secp256k1.JacobianPoint {
	pub, err := crypto.ParsePublicKey(compressed)
	if err != nil {
		var zero secp256k1.JacobianPoint
		return zero
	}
	return crypto.PointFromPub(pub)
}

func scalarEqual(a, b *secp256k1.ModNScalar) bool {
	diff := crypto.ScalarAdd(a, crypto.ScalarNegate(b))
	return diff.IsZero()
}

package ring

import (
	"crypto/hmac"
	"crypto/sha256"
)

// confidentialDomain is the HMAC key domain separator for the
// structural range-proof stand-in below — same shape as CoinJoin's, see
// internal/coinjoin/rangeproof.go for the rationale.
var confidentialDomain = []byte("mixcoordinator/ring/range-proof/v1")

func makeConfidentialRangeProof(commitment []byte) []byte {
	mac := hmac.New(sha256.New, confidentialDomain)
	mac.Write(commitment)
	return mac.Sum(nil)
}

func verifyConfidentialRangeProof(commitment, proof []byte) bool {
	if len(commitment) == 0 || len(proof) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, confidentialDomain)
	mac.Write(commitment)
	return hmac.Equal(mac.Sum(nil), proof)
}

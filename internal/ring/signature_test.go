package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/crypto"
	"github.com/rawblock/mixcoordinator/internal/keyimage"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

func buildRing(t *testing.T, size int) ([]models.RingKey, int) {
	t.Helper()
	ring := make([]models.RingKey, size)
	for i := range ring {
		kp, err := crypto.GenerateKeypair()
		require.NoError(t, err)
		ring[i] = models.RingKey{PublicKey: kp.CompressedPub()}
	}
	return ring, size / 2
}

func TestCreateAndVerifySignatureRoundTrip(t *testing.T) {
	registry := keyimage.NewRegistry()
	ring, realIndex := buildRing(t, 5)

	realPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	ring[realIndex].PublicKey = realPriv.CompressedPub()

	message := []byte("ring-transaction-message")
	sig, err := CreateSignature(registry, message, realPriv.Private, ring, realIndex)
	require.NoError(t, err)
	require.True(t, VerifySignature(message, sig, ring))
}

func TestVerifySignatureRejectsTamperedMessage(t *testing.T) {
	registry := keyimage.NewRegistry()
	ring, realIndex := buildRing(t, 4)

	realPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	ring[realIndex].PublicKey = realPriv.CompressedPub()

	message := []byte("original-message")
	sig, err := CreateSignature(registry, message, realPriv.Private, ring, realIndex)
	require.NoError(t, err)

	require.False(t, VerifySignature([]byte("tampered-message"), sig, ring))
}

func TestCreateSignatureRejectsReusedKeyImage(t *testing.T) {
	registry := keyimage.NewRegistry()
	ring, realIndex := buildRing(t, 4)

	realPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	ring[realIndex].PublicKey = realPriv.CompressedPub()

	message := []byte("message-one")
	_, err = CreateSignature(registry, message, realPriv.Private, ring, realIndex)
	require.NoError(t, err)

	_, err = CreateSignature(registry, []byte("message-two"), realPriv.Private, ring, realIndex)
	require.Error(t, err)
}

func TestSelectDecoysPlacesRealKeyAndPreservesPool(t *testing.T) {
	pool := make([]models.RingKey, 20)
	for i := range pool {
		kp, err := crypto.GenerateKeypair()
		require.NoError(t, err)
		pool[i] = models.RingKey{PublicKey: kp.CompressedPub(), BlockHeight: int64(100 + i)}
	}

	realKp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	realKey := models.RingKey{PublicKey: realKp.CompressedPub(), BlockHeight: 50}

	ring, realIndex, err := SelectDecoys(pool, realKey, 11, "GAMMA", 500)
	require.NoError(t, err)
	require.Len(t, ring, 11)
	require.Equal(t, realKey.PublicKey, ring[realIndex].PublicKey)
}

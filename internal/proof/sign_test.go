package proof

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	host := crypto.PubkeyToAddress(key.PublicKey)
	proofHash := crypto.Keccak256Hash([]byte("proof payload"))
	units := big.NewInt(100)

	sig, err := SignClaim(key, "sess-1", proofHash, host, units)
	if err != nil {
		t.Fatalf("SignClaim: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length: got %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("V not normalized to 27/28: %d", sig[64])
	}

	got, err := RecoverClaimSigner("sess-1", proofHash, host, units, sig)
	if err != nil {
		t.Fatalf("RecoverClaimSigner: %v", err)
	}
	if got != host {
		t.Errorf("recovered %s want %s", got.Hex(), host.Hex())
	}
}

// Any mutation of the signed fields must change the recovered address.
func TestRecover_TamperedClaim(t *testing.T) {
	key, _ := crypto.GenerateKey()
	host := crypto.PubkeyToAddress(key.PublicKey)
	proofHash := crypto.Keccak256Hash([]byte("proof payload"))
	units := big.NewInt(100)

	sig, err := SignClaim(key, "sess-1", proofHash, host, units)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name      string
		sessionID string
		hash      common.Hash
		units     *big.Int
	}{
		{"different session", "sess-2", proofHash, units},
		{"different hash", "sess-1", crypto.Keccak256Hash([]byte("other")), units},
		{"different units", "sess-1", proofHash, big.NewInt(200)},
	}
	for _, tc := range cases {
		got, err := RecoverClaimSigner(tc.sessionID, tc.hash, host, tc.units, sig)
		if err == nil && got == host {
			t.Errorf("%s: tampered claim still recovers host", tc.name)
		}
	}
}

func TestRecover_BadSignatureLength(t *testing.T) {
	_, err := RecoverClaimSigner("sess-1", common.Hash{}, common.Address{}, big.NewInt(1), []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestRecover_VNormalization(t *testing.T) {
	key, _ := crypto.GenerateKey()
	host := crypto.PubkeyToAddress(key.PublicKey)
	proofHash := crypto.Keccak256Hash([]byte("p"))
	units := big.NewInt(500)

	sig, _ := SignClaim(key, "s", proofHash, host, units)

	// Present V as 0/1 instead of 27/28; recovery must handle both.
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27

	got, err := RecoverClaimSigner("s", proofHash, host, units, raw)
	if err != nil {
		t.Fatalf("RecoverClaimSigner: %v", err)
	}
	if got != host {
		t.Errorf("recovered %s want %s", got.Hex(), host.Hex())
	}
}

// Package proof implements the usage-proof ledger: hosts claim units of work
// with a signed commitment (hash plus off-chain locators), the ledger checks
// authorization, batch size, economic and throughput bounds, and accumulates
// accepted units on the session. Full proof payloads never pass through here;
// dispute tooling re-fetches them by CID and recomputes the hash.
package proof

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// claimMessage builds the canonical byte string a host signs for one claim:
// session id, proof hash, host address and the claimed units (32-byte
// big-endian). Binding the session id prevents replaying a claim from one
// session into another.
func claimMessage(sessionID string, proofHash common.Hash, host common.Address, units *big.Int) []byte {
	msg := make([]byte, 0, len(sessionID)+32+20+32)
	msg = append(msg, []byte(sessionID)...)
	msg = append(msg, proofHash.Bytes()...)
	msg = append(msg, host.Bytes()...)
	u := make([]byte, 32)
	units.FillBytes(u)
	return append(msg, u...)
}

// ClaimDigest is the EIP-191 prefixed hash of the claim message:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func ClaimDigest(sessionID string, proofHash common.Hash, host common.Address, units *big.Int) []byte {
	msg := claimMessage(sessionID, proofHash, host, units)
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignClaim signs a claim with the host key. Returns a 65-byte R||S||V
// signature with V in {27,28}.
func SignClaim(key *ecdsa.PrivateKey, sessionID string, proofHash common.Hash, host common.Address, units *big.Int) ([]byte, error) {
	sig, err := crypto.Sign(ClaimDigest(sessionID, proofHash, host, units), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverClaimSigner extracts the signer address from a claim signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func RecoverClaimSigner(sessionID string, proofHash common.Hash, host common.Address, units *big.Int, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(ClaimDigest(sessionID, proofHash, host, units), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

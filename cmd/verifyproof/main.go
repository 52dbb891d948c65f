// cmd/verifyproof/main.go — re-verifies a usage proof artifact offline:
// fetches the artifact by CID from a gateway, recomputes its keccak256
// digest, and compares it against the commitment the escrow daemon recorded.
//
// Usage examples:
//
//	# verify the latest commitment on a session
//	go run ./cmd/verifyproof/ --api http://localhost:8080 --session <id>
//
//	# verify a standalone CID against a known hash
//	go run ./cmd/verifyproof/ --cid bafy... --hash 0x...
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const maxArtifactBytes = 64 << 20

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "escrow daemon base URL")
	sessionID := flag.String("session", "", "session whose latest proof to verify")
	cid := flag.String("cid", "", "artifact CID (overrides the session's recorded CID)")
	wantHash := flag.String("hash", "", "expected keccak256 hash (overrides the session's recorded hash)")
	gateway := flag.String("gateway", "https://ipfs.io/ipfs/", "content gateway prefix for CID fetches")
	flag.Parse()

	if *sessionID == "" && (*cid == "" || *wantHash == "") {
		fmt.Fprintln(os.Stderr, "error: either --session, or both --cid and --hash, are required")
		os.Exit(1)
	}

	httpc := &http.Client{Timeout: 60 * time.Second}

	// ── resolve the commitment ────────────────────────────────────────────────
	artifactCID := *cid
	expected := strings.ToLower(strings.TrimPrefix(*wantHash, "0x"))
	if *sessionID != "" {
		recordedCID, recordedHash, err := fetchCommitment(httpc, *apiURL, *sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch session: %v\n", err)
			os.Exit(1)
		}
		if artifactCID == "" {
			artifactCID = recordedCID
		}
		if expected == "" {
			expected = strings.ToLower(strings.TrimPrefix(recordedHash, "0x"))
		}
	}
	if artifactCID == "" || expected == "" {
		fmt.Fprintln(os.Stderr, "error: session has no recorded proof commitment")
		os.Exit(1)
	}

	// ── fetch the artifact ────────────────────────────────────────────────────
	fmt.Printf("CID      : %s\n", artifactCID)
	fmt.Printf("Expected : 0x%s\n", expected)

	resp, err := httpc.Get(*gateway + artifactCID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch artifact: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "fetch artifact: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
	artifact, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read artifact: %v\n", err)
		os.Exit(1)
	}

	// ── recompute and compare ─────────────────────────────────────────────────
	got := strings.ToLower(strings.TrimPrefix(crypto.Keccak256Hash(artifact).Hex(), "0x"))
	fmt.Printf("Computed : 0x%s\n", got)
	fmt.Printf("Size     : %d bytes\n\n", len(artifact))

	if got != expected {
		fmt.Println("MISMATCH: artifact does not match the recorded commitment")
		os.Exit(1)
	}
	fmt.Println("OK: artifact matches the recorded commitment")
}

// fetchCommitment reads the session's latest proof CID and hash from the
// daemon's public API.
func fetchCommitment(httpc *http.Client, apiURL, sessionID string) (cid, hash string, err error) {
	resp, err := httpc.Get(strings.TrimRight(apiURL, "/") + "/sessions/" + sessionID)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	var view struct {
		LastProofHash string `json:"last_proof_hash"`
		LastProofCID  string `json:"last_proof_cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return "", "", err
	}
	return view.LastProofCID, view.LastProofHash, nil
}

package prover

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/salazarsebas/iasppt/internal/verify"
)

func TestProofsVerify(t *testing.T) {
	seed := hex.EncodeToString([]byte(strings.Repeat("k", 32)))
	for _, mode := range []string{"sha256", "keccak256", "signature"} {
		p, err := New(mode, seed)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		v, err := verify.New(context.Background(), mode, "")
		if err != nil {
			t.Fatalf("%s verifier: %v", mode, err)
		}
		claim := verify.Claim{TaskID: 4, NodeID: "n1", OutputRef: "file:///o", PublicKey: p.PublicKey()}
		claim.Proof = p.Prove(claim.TaskID, claim.NodeID, claim.OutputRef)
		verdict, err := v.Verify(context.Background(), claim)
		if err != nil || !verdict.Accepted {
			t.Fatalf("%s proof rejected: %+v err=%v", mode, verdict, err)
		}
		if mode != "signature" && !verify.IsHexDigest(claim.Proof) {
			t.Fatalf("%s proof is not a 64 char digest: %q", mode, claim.Proof)
		}
	}
}

func TestSignatureNeedsKey(t *testing.T) {
	if _, err := New("signature", ""); err == nil {
		t.Fatalf("expected error without a key")
	}
	if _, err := New("signature", "abcd"); err == nil {
		t.Fatalf("expected error for a short key")
	}
	if _, err := New("zk", ""); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

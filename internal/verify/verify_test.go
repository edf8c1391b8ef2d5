package verify

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHashMatchBothAlgorithms(t *testing.T) {
	ctx := context.Background()
	for _, alg := range []string{SHA256, Keccak256} {
		v, err := NewHashMatch(alg)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		proof := v.Commit(7, "node-1", "s3://out/7")
		if !IsHexDigest(proof) {
			t.Fatalf("%s: commit must be a hex digest, got %q", alg, proof)
		}
		verdict, err := v.Verify(ctx, Claim{TaskID: 7, NodeID: "node-1", OutputRef: "s3://out/7", Proof: strings.ToUpper(proof)})
		if err != nil || !verdict.Accepted {
			t.Fatalf("%s: expected accept, got %+v err=%v", alg, verdict, err)
		}
		verdict, _ = v.Verify(ctx, Claim{TaskID: 7, NodeID: "node-2", OutputRef: "s3://out/7", Proof: proof})
		if verdict.Accepted {
			t.Fatalf("%s: proof bound to another node must be rejected", alg)
		}
		verdict, _ = v.Verify(ctx, Claim{TaskID: 7, NodeID: "node-1", OutputRef: "s3://out/7", Proof: "abc"})
		if verdict.Accepted || !strings.Contains(verdict.Reason, "64 character") {
			t.Fatalf("%s: expected malformed proof rejection, got %+v", alg, verdict)
		}
	}
	if Digest(SHA256, []byte("x")) == Digest(Keccak256, []byte("x")) {
		t.Fatalf("algorithms must differ")
	}
	if _, err := NewHashMatch("md5"); err == nil {
		t.Fatalf("expected unsupported algorithm error")
	}
}

func TestKeccakKnownVector(t *testing.T) {
	// keccak256("") differs from sha3-256("").
	if got := Digest(Keccak256, nil); got != "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Fatalf("unexpected keccak256 of empty input %s", got)
	}
}

func TestSignatureVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ctx := context.Background()
	claim := Claim{TaskID: 3, NodeID: "n1", OutputRef: "file:///out/3", PublicKey: hex.EncodeToString(pub)}
	claim.Proof = Sign(priv, 3, "n1", "file:///out/3")
	if v, err := (Signature{}).Verify(ctx, claim); err != nil || !v.Accepted {
		t.Fatalf("expected accepted signature, got %+v err=%v", v, err)
	}
	tampered := claim
	tampered.OutputRef = "file:///out/other"
	if v, _ := (Signature{}).Verify(ctx, tampered); v.Accepted {
		t.Fatalf("tampered output must be rejected")
	}
	noKey := claim
	noKey.PublicKey = ""
	if v, _ := (Signature{}).Verify(ctx, noKey); v.Accepted {
		t.Fatalf("missing key must be rejected")
	}
}

// attestWasm exports memory, a bump allocator and verify, which accepts any
// claim whose proof is exactly 64 bytes long.
var attestWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32)->i32, (i32,i32,i32,i32)->i32
	0x01, 0x0e, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	// function
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// global: mut i32 = 1024
	0x06, 0x07, 0x01, 0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b,
	// export: memory, alloc, verify
	0x07, 0x1b, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x06, 'v', 'e', 'r', 'i', 'f', 'y', 0x00, 0x01,
	// code
	0x0a, 0x16, 0x02,
	0x0b, 0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b,
	0x08, 0x00, 0x20, 0x03, 0x41, 0xc0, 0x00, 0x46, 0x0b,
}

func TestAttestationModule(t *testing.T) {
	ctx := context.Background()
	a, err := NewAttestation(ctx, attestWasm)
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	defer a.Close(ctx)

	good := Claim{TaskID: 1, NodeID: "n1", OutputRef: "out", Proof: strings.Repeat("a", 64)}
	for i := 0; i < 3; i++ {
		v, err := a.Verify(ctx, good)
		if err != nil || !v.Accepted {
			t.Fatalf("run %d: expected accept, got %+v err=%v", i, v, err)
		}
	}
	bad := good
	bad.Proof = "short"
	if v, err := a.Verify(ctx, bad); err != nil || v.Accepted {
		t.Fatalf("expected reject, got %+v err=%v", v, err)
	}
}

// spinWasm is attestWasm with a verify that loops forever.
var spinWasm = func() []byte {
	m := append([]byte(nil), attestWasm[:len(attestWasm)-len(attestCode)]...)
	return append(m,
		0x0a, 0x17, 0x02,
		0x0b, 0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b,
		0x09, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x41, 0x01, 0x0b,
	)
}()

var attestCode = []byte{
	0x0a, 0x16, 0x02,
	0x0b, 0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b,
	0x08, 0x00, 0x20, 0x03, 0x41, 0xc0, 0x00, 0x46, 0x0b,
}

func TestAttestationRunIsBounded(t *testing.T) {
	ctx := context.Background()
	a, err := NewAttestation(ctx, spinWasm)
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	defer a.Close(ctx)
	a.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	v, err := a.Verify(ctx, Claim{TaskID: 1, NodeID: "n1", OutputRef: "out", Proof: strings.Repeat("a", 64)})
	if err == nil || v.Accepted {
		t.Fatalf("expected a timeout error, got %+v err=%v", v, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("module ran for %s", elapsed)
	}
}

func TestAttestationRejectsModuleWithoutExports(t *testing.T) {
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if _, err := NewAttestation(context.Background(), empty); err == nil {
		t.Fatalf("expected missing export error")
	}
}

func TestNewByMode(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"sha256", "keccak256", "signature", "accept_all"} {
		if _, err := New(ctx, mode, ""); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
	}
	if _, err := New(ctx, "attestation", "/nonexistent/module.wasm"); err == nil {
		t.Fatalf("expected missing module error")
	}
	if _, err := New(ctx, "oracle", ""); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

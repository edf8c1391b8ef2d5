// Package verify decides whether a submitted result is accepted. Verifiers
// never mutate state; a verifier error is treated as a rejection by callers.
package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

type Verdict struct {
	Accepted bool
	Reason   string
}

func Accept() Verdict { return Verdict{Accepted: true, Reason: "accepted"} }

func Reject(format string, args ...any) Verdict {
	return Verdict{Accepted: false, Reason: fmt.Sprintf(format, args...)}
}

// Claim is what a node asserts about a finished task.
type Claim struct {
	TaskID    uint64
	NodeID    string
	OutputRef string
	Proof     string
	// PublicKey is the node's registered ed25519 key, hex encoded.
	PublicKey string
}

type Verifier interface {
	Verify(ctx context.Context, c Claim) (Verdict, error)
}

// Message is the byte string every proof commits to.
func Message(taskID uint64, nodeID, outputRef string) []byte {
	return []byte(fmt.Sprintf("%d:%s:%s", taskID, nodeID, outputRef))
}

type AcceptAll struct{}

func (AcceptAll) Verify(context.Context, Claim) (Verdict, error) { return Accept(), nil }

const (
	SHA256    = "sha256"
	Keccak256 = "keccak256"
)

// HashMatch accepts a proof equal to the hex digest of the claim message.
type HashMatch struct {
	algorithm string
}

func NewHashMatch(algorithm string) (*HashMatch, error) {
	switch algorithm {
	case SHA256, Keccak256:
		return &HashMatch{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Commit returns the proof a node should submit for the claim.
func (h *HashMatch) Commit(taskID uint64, nodeID, outputRef string) string {
	return Digest(h.algorithm, Message(taskID, nodeID, outputRef))
}

func (h *HashMatch) Verify(_ context.Context, c Claim) (Verdict, error) {
	proof := strings.ToLower(strings.TrimSpace(c.Proof))
	if !IsHexDigest(proof) {
		return Reject("proof is not a 64 character hex digest"), nil
	}
	want := h.Commit(c.TaskID, c.NodeID, c.OutputRef)
	if subtle.ConstantTimeCompare([]byte(proof), []byte(want)) != 1 {
		return Reject("%s commitment mismatch", h.algorithm), nil
	}
	return Accept(), nil
}

// Digest hashes msg with the named algorithm and hex encodes it.
func Digest(algorithm string, msg []byte) string {
	if algorithm == Keccak256 {
		h := sha3.NewLegacyKeccak256()
		_, _ = h.Write(msg)
		return hex.EncodeToString(h.Sum(nil))
	}
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Signature accepts an ed25519 signature over the claim message made with the
// node's registered key.
type Signature struct{}

func (Signature) Verify(_ context.Context, c Claim) (Verdict, error) {
	if c.PublicKey == "" {
		return Reject("node has no registered public key"), nil
	}
	pub, err := hex.DecodeString(c.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Reject("registered public key is malformed"), nil
	}
	sig, err := hex.DecodeString(strings.TrimSpace(c.Proof))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Reject("proof is not a hex ed25519 signature"), nil
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), Message(c.TaskID, c.NodeID, c.OutputRef), sig) {
		return Reject("signature does not verify"), nil
	}
	return Accept(), nil
}

// Sign produces the Signature proof for a claim.
func Sign(key ed25519.PrivateKey, taskID uint64, nodeID, outputRef string) string {
	return hex.EncodeToString(ed25519.Sign(key, Message(taskID, nodeID, outputRef)))
}

// New builds the verifier named by mode. modulePath is only read for the
// attestation mode.
func New(ctx context.Context, mode, modulePath string) (Verifier, error) {
	switch mode {
	case SHA256, Keccak256:
		return NewHashMatch(mode)
	case "signature":
		return Signature{}, nil
	case "accept_all":
		return AcceptAll{}, nil
	case "attestation":
		wasm, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, fmt.Errorf("read attestation module: %w", err)
		}
		return NewAttestation(ctx, wasm)
	default:
		return nil, fmt.Errorf("unknown verifier mode %q", mode)
	}
}

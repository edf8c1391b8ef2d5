// Package prover builds the proof a node attaches to each result.
package prover

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/salazarsebas/iasppt/internal/verify"
)

type Prover interface {
	Prove(taskID uint64, nodeID, outputRef string) string
	// PublicKey is the hex key to register, empty for hash commitments.
	PublicKey() string
}

// New returns the prover for mode. signature needs a hex ed25519 seed or
// private key.
func New(mode, privateKeyHex string) (Prover, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", verify.SHA256:
		h, _ := verify.NewHashMatch(verify.SHA256)
		return hashProver{h}, nil
	case verify.Keccak256:
		h, _ := verify.NewHashMatch(verify.Keccak256)
		return hashProver{h}, nil
	case "signature":
		key, err := parseKey(privateKeyHex)
		if err != nil {
			return nil, err
		}
		return signer{key: key}, nil
	default:
		return nil, fmt.Errorf("unknown proof mode %q", mode)
	}
}

type hashProver struct{ h *verify.HashMatch }

func (p hashProver) Prove(taskID uint64, nodeID, outputRef string) string {
	return p.h.Commit(taskID, nodeID, outputRef)
}

func (hashProver) PublicKey() string { return "" }

type signer struct{ key ed25519.PrivateKey }

func (s signer) Prove(taskID uint64, nodeID, outputRef string) string {
	return verify.Sign(s.key, taskID, nodeID, outputRef)
}

func (s signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

func parseKey(raw string) (ed25519.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("IAS_NODE_PRIVATE_KEY is required for proof mode signature")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
)

// Sign produces a hybrid signature over SHA256(message). Both component
// signatures cover the same digest.
func (k *SigningKey) Sign(message []byte) (*domain.HybridSignature, error) {
	digest := sha256.Sum256(message)

	edSig := ed25519.Sign(k.Ed25519, digest[:])

	mlSig := mlScheme().Sign(k.MLDSA, digest[:], nil)

	return &domain.HybridSignature{
		Ed25519:     base64.StdEncoding.EncodeToString(edSig),
		MLDSA:       base64.StdEncoding.EncodeToString(mlSig),
		Algorithm:   string(domain.AlgorithmHybrid),
		Fingerprint: k.Fingerprint,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// SignFile signs the contents of a file.
func (k *SigningKey) SignFile(path string) (*domain.HybridSignature, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return k.Sign(content)
}

// Verify checks a hybrid signature. Both component signatures must pass.
func (p *PublicKey) Verify(message []byte, sig *domain.HybridSignature) error {
	digest := sha256.Sum256(message)

	edSig, err := base64.StdEncoding.DecodeString(sig.Ed25519)
	if err != nil {
		return fmt.Errorf("%w: invalid Ed25519 signature encoding", domain.ErrSignatureInvalid)
	}
	if len(edSig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: invalid Ed25519 signature length", domain.ErrSignatureInvalid)
	}
	if !ed25519.Verify(p.Ed25519, digest[:], edSig) {
		return fmt.Errorf("%w: Ed25519 signature mismatch", domain.ErrSignatureInvalid)
	}

	mlSig, err := base64.StdEncoding.DecodeString(sig.MLDSA)
	if err != nil {
		return fmt.Errorf("%w: invalid ML-DSA signature encoding", domain.ErrSignatureInvalid)
	}
	if !mlScheme().Verify(p.MLDSA, digest[:], mlSig, nil) {
		return fmt.Errorf("%w: ML-DSA signature mismatch", domain.ErrSignatureInvalid)
	}

	return nil
}

// VerifyFile checks a hybrid signature over the contents of a file.
func (p *PublicKey) VerifyFile(path string, sig *domain.HybridSignature) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return p.Verify(content, sig)
}

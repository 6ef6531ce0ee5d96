package signing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
)

// CertifyKey signs a public key with a master key, attesting that the
// key is authorized for the given purpose. An empty expires means the
// certification never expires.
func CertifyKey(masterKey *SigningKey, publicKey *PublicKey, purpose, expires string) (*domain.KeyCertification, error) {
	cert := &domain.KeyCertification{
		CertifiedKey:  publicKey.Fingerprint,
		CertifierKey:  masterKey.Fingerprint,
		CertifierName: fmt.Sprintf("%s <%s>", masterKey.Identity.Name, masterKey.Identity.Email),
		Purpose:       purpose,
		Expires:       expires,
	}

	sig, err := masterKey.Sign(cert.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to sign key certification: %w", err)
	}
	cert.Signature = *sig

	return cert, nil
}

// VerifyCertification checks a certification against the certified and
// certifier keys.
func VerifyCertification(cert *domain.KeyCertification, certified, certifier *PublicKey) error {
	if cert.CertifiedKey != certified.Fingerprint {
		return fmt.Errorf("certification is for key %s but got %s", cert.CertifiedKey, certified.Fingerprint)
	}
	if cert.CertifierKey != certifier.Fingerprint {
		return fmt.Errorf("certification is from key %s but verifying with %s", cert.CertifierKey, certifier.Fingerprint)
	}
	if cert.Expired(time.Now().UTC()) {
		return fmt.Errorf("key certification has expired (%s)", cert.Expires)
	}

	if err := certifier.Verify(cert.Message(), &cert.Signature); err != nil {
		return fmt.Errorf("key certification signature verification failed: %w", err)
	}
	return nil
}

// SaveCertification writes a certification as a JSON .cert file.
func SaveCertification(cert *domain.KeyCertification, path string) error {
	data, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode certification: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write certification %s: %w", path, err)
	}
	return nil
}

// FindCertificationForKey scans a directory of .cert files for one
// certifying the given fingerprint. Fingerprint suffix matches are
// accepted so abbreviated fingerprints resolve.
func FindCertificationForKey(fingerprint, certDir string) (*domain.KeyCertification, error) {
	entries, err := os.ReadDir(certDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read certification directory %s: %w", certDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cert" {
			continue
		}
		cert, err := LoadCertification(filepath.Join(certDir, entry.Name()))
		if err != nil {
			continue
		}
		if FingerprintMatches(cert.CertifiedKey, fingerprint) {
			return cert, nil
		}
	}
	return nil, nil
}

// FingerprintMatches reports whether two fingerprints refer to the same
// key, accepting abbreviations of either side.
func FingerprintMatches(a, b string) bool {
	return a == b || strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}

// LoadCertification reads a JSON .cert file.
func LoadCertification(path string) (*domain.KeyCertification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certification %s: %w", path, err)
	}
	var cert domain.KeyCertification
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("failed to parse certification %s: %w", path, err)
	}
	return &cert, nil
}

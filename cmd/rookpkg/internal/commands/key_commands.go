package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"
	"github.com/rookery-os/rookpkg/internal/infrastructure/signing"
	"github.com/spf13/cobra"
)

// KeyCommandHandler holds the signing key management commands.
type KeyCommandHandler struct{}

// NewKeyCommandHandler creates a new KeyCommandHandler.
func NewKeyCommandHandler() *KeyCommandHandler {
	return &KeyCommandHandler{}
}

// KeygenCmd generates a hybrid signing key pair.
func (h *KeyCommandHandler) KeygenCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	output, _ := cmd.Flags().GetString("output")

	if output == "" {
		output = filepath.Dir(app.cfg.Signing.UserSigningKey)
	}

	app.println("Generating hybrid Ed25519 + ML-DSA-65 signing key...")
	app.println("  - Ed25519 (classical, fast verification)")
	app.println("  - ML-DSA-65 (FIPS 204 post-quantum, security level 3)")

	key, err := signing.GenerateKeyPair(output, name, email)
	if err != nil {
		return err
	}

	app.println("\nv Hybrid key generated successfully!")
	app.printf("\n  Fingerprint: %s\n", key.Fingerprint)
	app.printf("  Algorithm:   %s\n", key.Algorithm)
	app.printf("  Public key:  %s\n", filepath.Join(output, "signing-key.pub"))
	app.printf("  Secret key:  %s\n", filepath.Join(output, "signing-key.secret"))
	app.println("\nIMPORTANT: this key is NOT trusted by default.")
	app.println("To sign official packages, submit your public key to the")
	app.println("Rookery OS maintainers for certification.")
	app.println("\nYou can now build and sign packages locally.")
	return nil
}

// KeylistCmd lists trusted signing keys from the key directories and
// the trust database.
func (h *KeyCommandHandler) KeylistCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	app.println("Trusted signing keys:\n")

	found := false
	found = h.listKeyDir(app, app.cfg.Signing.MasterKeysDir, "master") || found
	found = h.listKeyDir(app, app.cfg.Signing.PackagerKeysDir, "packager") || found

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	store, err := app.keyStore(db)
	if err != nil {
		return err
	}
	stored, err := store.ListKeys(cmd.Context())
	if err != nil {
		return err
	}
	for _, key := range stored {
		found = true
		app.printf("  %s [database]\n", key.Fingerprint)
		app.printf("    %s <%s>\n", key.Name, key.Email)
		app.printf("    Trust: %s\n", key.TrustLevel)
		if key.Notes != "" {
			app.printf("    Notes: %s\n", key.Notes)
		}
		app.println("")
	}

	if !found {
		app.println("  (no trusted keys found)")
		app.println("\nTo trust a key, use: rookpkg keytrust <key-file.pub>")
		app.printf("Master keys are stored in:   %s\n", app.cfg.Signing.MasterKeysDir)
		app.printf("Packager keys are stored in: %s\n", app.cfg.Signing.PackagerKeysDir)
	}
	return nil
}

func (h *KeyCommandHandler) listKeyDir(app *appContext, dir, keyType string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	found := false
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		key, err := signing.LoadPublicKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			app.printf("  ! %s - %v\n", filepath.Join(dir, entry.Name()), err)
			continue
		}
		found = true
		algoNote := "(quantum-resistant)"
		if key.Algorithm != domain.AlgorithmHybrid {
			algoNote = "(legacy)"
		}
		app.printf("  %s [%s]\n", key.Fingerprint, keyType)
		app.printf("    %s <%s>\n", key.Identity.Name, key.Identity.Email)
		app.printf("    Algorithm: %s %s\n", key.Algorithm, algoNote)
		app.println("")
	}
	return found
}

// KeytrustCmd trusts a packager signing key.
func (h *KeyCommandHandler) KeytrustCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("keytrust", false); err != nil {
		return err
	}

	source := args[0]
	if _, err := os.Stat(source); err != nil {
		if strings.HasPrefix(source, "HYBRID:") || strings.HasPrefix(source, "ED25519:") {
			return fmt.Errorf("trusting keys by fingerprint is not supported, provide a path to the .pub key file")
		}
		return fmt.Errorf("key not found: %s, provide a path to a .pub key file", source)
	}

	key, err := signing.LoadPublicKey(source)
	if err != nil {
		return fmt.Errorf("failed to load public key %s: %w", source, err)
	}

	app.println("Key information:")
	app.printf("  Fingerprint: %s\n", key.Fingerprint)
	app.printf("  Name:        %s\n", key.Identity.Name)
	app.printf("  Email:       %s\n", key.Identity.Email)
	app.printf("  Algorithm:   %s\n", key.Algorithm)

	destDir := app.cfg.Signing.PackagerKeysDir
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create keys directory %s: %w", destDir, err)
	}

	destPath := filepath.Join(destDir, safeFingerprint(key.Fingerprint)+".pub")
	if _, err := os.Stat(destPath); err == nil {
		app.println("\n! Key is already trusted.")
		return nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to copy key to %s: %w", destPath, err)
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	store, err := app.keyStore(db)
	if err != nil {
		return err
	}
	err = store.TrustKey(cmd.Context(), &domain.TrustedKey{
		Fingerprint: key.Fingerprint,
		TrustLevel:  domain.TrustFull,
		Name:        key.Identity.Name,
		Email:       key.Identity.Email,
		PublicKey:   string(data),
		AddedBy:     "rookpkg keytrust",
	})
	if err != nil {
		return err
	}

	app.printf("\nv Key trusted and saved to: %s\n", destPath)

	if key.Algorithm != domain.AlgorithmHybrid {
		app.println("\nWarning: this is a legacy Ed25519-only key. It does NOT provide")
		app.println("post-quantum security. Ask the key owner to regenerate their key")
		app.println("with hybrid Ed25519 + ML-DSA-65.")
	}
	return nil
}

// KeyuntrustCmd removes trust from a signing key.
func (h *KeyCommandHandler) KeyuntrustCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	if err := requireRoot("keyuntrust", false); err != nil {
		return err
	}

	fingerprint := args[0]
	found := false

	removed, err := h.removeKeyFromDir(app.cfg.Signing.PackagerKeysDir, fingerprint)
	if err != nil {
		return err
	}
	found = found || removed

	inMaster, err := h.dirHasKey(app.cfg.Signing.MasterKeysDir, fingerprint)
	if err != nil {
		return err
	}
	if inMaster {
		app.println("Warning: this is a master key. Removing it may break system packages.")
		removed, err := h.removeKeyFromDir(app.cfg.Signing.MasterKeysDir, fingerprint)
		if err != nil {
			return err
		}
		found = found || removed
	}

	db, err := app.openDatabase()
	if err != nil {
		return err
	}
	defer app.closeDatabase(db)

	store, err := app.keyStore(db)
	if err != nil {
		return err
	}
	if err := store.RevokeKey(cmd.Context(), fingerprint, "untrusted by administrator"); err != nil {
		return err
	}

	if !found {
		app.printf("Key %s revoked in the trust database (no key file found).\n", fingerprint)
		return nil
	}
	app.printf("v Key %s has been untrusted.\n", fingerprint)
	return nil
}

func (h *KeyCommandHandler) dirHasKey(dir, fingerprint string) (bool, error) {
	key, err := signing.SearchKeyInDir(dir, fingerprint)
	if err != nil {
		return false, err
	}
	return key != nil, nil
}

func (h *KeyCommandHandler) removeKeyFromDir(dir, fingerprint string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		key, err := signing.LoadPublicKey(path)
		if err != nil {
			continue
		}
		if signing.FingerprintMatches(key.Fingerprint, fingerprint) {
			if err := os.Remove(path); err != nil {
				return false, fmt.Errorf("failed to remove key %s: %w", path, err)
			}
			return true, nil
		}
	}
	return false, nil
}

// KeysignCmd certifies a packager key with a master key.
func (h *KeyCommandHandler) KeysignCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	masterPath, _ := cmd.Flags().GetString("master")
	purpose, _ := cmd.Flags().GetString("purpose")
	output, _ := cmd.Flags().GetString("output")

	keyPath := args[0]
	publicKey, err := signing.LoadPublicKey(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load public key %s: %w", keyPath, err)
	}

	app.println("Key to certify:")
	app.printf("  Fingerprint: %s\n", publicKey.Fingerprint)
	app.printf("  Name:        %s <%s>\n", publicKey.Identity.Name, publicKey.Identity.Email)
	app.printf("  Algorithm:   %s\n", publicKey.Algorithm)

	masterKey, err := signing.LoadSigningKey(masterPath)
	if err != nil {
		return fmt.Errorf("failed to load master key %s: %w", masterPath, err)
	}

	app.println("\nCertifying with:")
	app.printf("  Fingerprint: %s\n", masterKey.Fingerprint)
	app.printf("  Name:        %s <%s>\n", masterKey.Identity.Name, masterKey.Identity.Email)

	cert, err := signing.CertifyKey(masterKey, publicKey, purpose, "")
	if err != nil {
		return err
	}

	certPath := output
	if certPath == "" {
		certDir := filepath.Join(app.cfg.Signing.PackagerKeysDir, "certs")
		if err := os.MkdirAll(certDir, 0o755); err != nil {
			return err
		}
		certPath = filepath.Join(certDir, safeFingerprint(publicKey.Fingerprint)+".cert")
	}

	if err := signing.SaveCertification(cert, certPath); err != nil {
		return err
	}

	app.println("\nv Key certified successfully!")
	app.printf("\nCertification saved to: %s\n", certPath)
	app.println("\nDetails:")
	app.printf("  Certified key: %s\n", cert.CertifiedKey)
	app.printf("  Certifier:     %s\n", cert.CertifierName)
	app.printf("  Purpose:       %s\n", cert.Purpose)
	app.printf("  Timestamp:     %s\n", cert.Signature.Timestamp)
	return nil
}

// KeycertsCmd lists key certifications, optionally filtered by fingerprint.
func (h *KeyCommandHandler) KeycertsCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	app.println("Key certifications:\n")

	certDir := filepath.Join(app.cfg.Signing.PackagerKeysDir, "certs")
	entries, err := os.ReadDir(certDir)
	if err != nil {
		app.println("  (no certifications found)")
		return nil
	}

	var filter string
	if len(args) == 1 {
		filter = args[0]
	}

	found := false
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cert") {
			continue
		}
		cert, err := signing.LoadCertification(filepath.Join(certDir, entry.Name()))
		if err != nil {
			continue
		}
		if filter != "" &&
			!strings.Contains(cert.CertifiedKey, filter) &&
			!strings.Contains(cert.CertifierKey, filter) {
			continue
		}
		found = true
		app.printf("  %s [%s]\n", cert.CertifiedKey, cert.Purpose)
		app.printf("    Certified by:  %s\n", cert.CertifierName)
		app.printf("    Certifier key: %s\n", cert.CertifierKey)
		app.printf("    Timestamp:     %s\n", cert.Signature.Timestamp)
		if cert.Expires != "" {
			app.printf("    Expires:       %s\n", cert.Expires)
		}
		app.println("")
	}

	if !found {
		if filter != "" {
			app.printf("  No certifications found for key: %s\n", filter)
		} else {
			app.println("  (no certifications found)")
		}
	}
	return nil
}

// VerifyCmd verifies a package file's detached hybrid signature.
func (h *KeyCommandHandler) VerifyCmd(cmd *cobra.Command, args []string) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	pkgPath := args[0]
	if _, err := os.Stat(pkgPath); err != nil {
		return fmt.Errorf("package file not found: %s", pkgPath)
	}

	sigPath := pkgPath + ".sig"
	sigData, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("signature file not found: %s", sigPath)
	}

	var sig domain.HybridSignature
	if err := json.Unmarshal(sigData, &sig); err != nil {
		return fmt.Errorf("failed to parse signature %s: %w", sigPath, err)
	}

	app.printf("Verifying %s\n", filepath.Base(pkgPath))
	app.printf("  Signature fingerprint: %s\n", sig.Fingerprint)

	key, source, err := h.findVerificationKey(app, sig.Fingerprint)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf(
			"no trusted key found for fingerprint %s\n\nTo trust this key: rookpkg keytrust <key-file.pub>",
			sig.Fingerprint)
	}

	if err := key.VerifyFile(pkgPath, &sig); err != nil {
		return fmt.Errorf("signature verification FAILED: %w", err)
	}

	app.printf("\nv Signature valid\n")
	app.printf("  Signed by: %s <%s>\n", key.Identity.Name, key.Identity.Email)
	app.printf("  Key type:  %s\n", source)
	app.printf("  Trust:     %s\n", key.TrustLevel)

	if key.TrustLevel < domain.TrustFull {
		app.println("\n! The signing key is not fully trusted.")
		if !app.cfg.Signing.AllowUntrusted {
			return fmt.Errorf("signature is valid but the key is not fully trusted (trust: %s)", key.TrustLevel)
		}
	}
	return nil
}

// findVerificationKey locates the public key for a fingerprint and
// assigns its trust level. Master keys are fully trusted, packager keys
// are fully trusted only with a valid master certification, and the
// user's own key is ultimately trusted.
func (h *KeyCommandHandler) findVerificationKey(app *appContext, fingerprint string) (*signing.PublicKey, string, error) {
	if key, err := signing.SearchKeyInDir(app.cfg.Signing.MasterKeysDir, fingerprint); err != nil {
		return nil, "", err
	} else if key != nil {
		key.TrustLevel = domain.TrustFull
		return key, "master", nil
	}

	if key, err := signing.SearchKeyInDir(app.cfg.Signing.PackagerKeysDir, fingerprint); err != nil {
		return nil, "", err
	} else if key != nil {
		key.TrustLevel = domain.TrustMarginal
		certDir := filepath.Join(app.cfg.Signing.PackagerKeysDir, "certs")
		if cert, err := signing.FindCertificationForKey(key.Fingerprint, certDir); err == nil && cert != nil {
			certifier, err := signing.SearchKeyInDir(app.cfg.Signing.MasterKeysDir, cert.CertifierKey)
			if err == nil && certifier != nil {
				if signing.VerifyCertification(cert, key, certifier) == nil {
					key.TrustLevel = domain.TrustFull
				}
			}
		}
		return key, "packager", nil
	}

	userPub := filepath.Join(filepath.Dir(app.cfg.Signing.UserSigningKey), "signing-key.pub")
	if key, err := signing.LoadPublicKey(userPub); err == nil {
		if signing.FingerprintMatches(key.Fingerprint, fingerprint) {
			key.TrustLevel = domain.TrustUltimate
			return key, "user", nil
		}
	}

	return nil, "", nil
}

// safeFingerprint turns a fingerprint into a filename-safe string.
func safeFingerprint(fingerprint string) string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(fingerprint)
}

// InitKeyCommands registers the key management and verification
// commands with the root command.
func InitKeyCommands(rootCmd *cobra.Command) error {
	handler := NewKeyCommandHandler()

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hybrid Ed25519 + ML-DSA-65 signing key",
		Args:  cobra.NoArgs,
		RunE:  handler.KeygenCmd,
	}
	keygenCmd.Flags().String("name", "", "Key owner name")
	keygenCmd.Flags().String("email", "", "Key owner email")
	keygenCmd.Flags().String("output", "", "Output directory for the key pair")
	_ = keygenCmd.MarkFlagRequired("name")
	_ = keygenCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(keygenCmd)

	keylistCmd := &cobra.Command{
		Use:   "keylist",
		Short: "List trusted signing keys",
		Args:  cobra.NoArgs,
		RunE:  handler.KeylistCmd,
	}
	rootCmd.AddCommand(keylistCmd)

	keytrustCmd := &cobra.Command{
		Use:   "keytrust <key-file.pub>",
		Short: "Trust a packager signing key",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.KeytrustCmd,
	}
	rootCmd.AddCommand(keytrustCmd)

	keyuntrustCmd := &cobra.Command{
		Use:   "keyuntrust <fingerprint>",
		Short: "Remove trust from a signing key",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.KeyuntrustCmd,
	}
	rootCmd.AddCommand(keyuntrustCmd)

	keysignCmd := &cobra.Command{
		Use:   "keysign <key-file.pub>",
		Short: "Certify a packager key with a master key",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.KeysignCmd,
	}
	keysignCmd.Flags().String("master", "", "Path to the master signing key")
	keysignCmd.Flags().String("purpose", "packager", "Certification purpose")
	keysignCmd.Flags().String("output", "", "Output path for the certification file")
	_ = keysignCmd.MarkFlagRequired("master")
	rootCmd.AddCommand(keysignCmd)

	keycertsCmd := &cobra.Command{
		Use:   "keycerts [fingerprint]",
		Short: "List key certifications",
		Args:  cobra.MaximumNArgs(1),
		RunE:  handler.KeycertsCmd,
	}
	rootCmd.AddCommand(keycertsCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <package.rookpkg>",
		Short: "Verify a package signature",
		Args:  cobra.ExactArgs(1),
		RunE:  handler.VerifyCmd,
	}
	rootCmd.AddCommand(verifyCmd)

	return nil
}

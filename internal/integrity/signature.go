package integrity

import (
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
)

// SignatureVerifier checks detached OpenPGP signatures against a keyring.
// Signatures are optional for engine archives; when a release publishes one
// and a keyring is configured, it is checked in addition to the digest.
type SignatureVerifier struct {
	keyringPath string
}

// NewSignatureVerifier creates a verifier reading keys from keyringPath.
func NewSignatureVerifier(keyringPath string) *SignatureVerifier {
	return &SignatureVerifier{keyringPath: keyringPath}
}

// Enabled reports whether a keyring is configured.
func (v *SignatureVerifier) Enabled() bool {
	return v != nil && v.keyringPath != ""
}

// VerifyFile verifies an armored or binary detached signature.
func (v *SignatureVerifier) VerifyFile(artifactPath, signaturePath string) error {
	keyring, err := v.loadKeyring()
	if err != nil {
		return err
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer artifact.Close()

	sig, err := os.Open(signaturePath)
	if err != nil {
		return fmt.Errorf("open signature: %w", err)
	}
	defer sig.Close()

	// Try armored first
	_, err = openpgp.CheckArmoredDetachedSignature(keyring, artifact, sig, nil)
	if err != nil {
		if _, serr := artifact.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("rewind artifact: %w", serr)
		}
		if _, serr := sig.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("rewind signature: %w", serr)
		}
		_, err = openpgp.CheckDetachedSignature(keyring, artifact, sig, nil)
	}
	if err != nil {
		return fmt.Errorf("verify signature of %s: %w", artifactPath, err)
	}

	return nil
}

// loadKeyring loads an armored or binary keyring.
func (v *SignatureVerifier) loadKeyring() (openpgp.EntityList, error) {
	f, err := os.Open(v.keyringPath)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("rewind keyring: %w", serr)
		}
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}

	return keyring, nil
}

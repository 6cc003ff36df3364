package sftpd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadOrCreateHostKey returns the Ed25519 host key stored at path,
// generating and saving one (mode 0600) if the file does not exist. An
// empty path returns a fresh key that is never written to disk, so
// clients see a new fingerprint on every start.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		signer, _, err := generateHostKey()
		return signer, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	signer, encoded, err := generateHostKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return signer, nil
}

func generateHostKey() (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "pairxfer host key")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("host key signer: %w", err)
	}
	return signer, pem.EncodeToMemory(block), nil
}

// Fingerprint returns the SHA256 fingerprint of signer's public key in the
// format printed by ssh-keygen -l.
func Fingerprint(signer ssh.Signer) string {
	if signer == nil {
		return ""
	}
	return ssh.FingerprintSHA256(signer.PublicKey())
}

package identity

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore persists priv to path as an Ethereum v3 keystore file,
// adapted from crypto/keystore.go for long-lived node signing keys rather
// than account keys. The parent directory is created with 0700 permissions;
// the resulting file is 0600.
func SaveToKeystore(path string, priv *PrivateKey, passphrase string) error {
	if priv == nil {
		return errors.New("identity: nil private key")
	}
	if path == "" {
		return errors.New("identity: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(priv.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("identity: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the node's long-lived signing key. A missing
// file is surfaced as ErrKeyFileMissing so callers that expect continuity
// (spec.md §4.1: "fatal, do not silently regenerate") can refuse to start
// rather than minting a fresh identity.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("identity: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyFileMissing
		}
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadOrGenerate loads the node's key if present; when allowGenerate is
// false (the default for production nodes expecting continuity) a missing
// file is fatal. Test harnesses and first-bring-up tooling pass
// allowGenerate=true.
func LoadOrGenerate(path, passphrase string, allowGenerate bool) (*PrivateKey, error) {
	priv, err := LoadFromKeystore(path, passphrase)
	if err == nil {
		return priv, nil
	}
	if !errors.Is(err, ErrKeyFileMissing) || !allowGenerate {
		return nil, err
	}
	priv, genErr := GeneratePrivateKey()
	if genErr != nil {
		return nil, genErr
	}
	if err := SaveToKeystore(path, priv, passphrase); err != nil {
		return nil, err
	}
	return priv, nil
}

package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// Long-term key files, relative to the client's data directory. Each file
// holds the base64 key encrypted under the password-derived key.
const (
	privateKeyFile = "keys/private_key.key"
	publicKeyFile  = "keys/public_key.key"
)

// LoadLongTermKeys reads the wrapped long-term pair from dir, generating
// and persisting a fresh pair on first run. A wrapped pair that does not
// decrypt under the given password is fatal for startup.
func LoadLongTermKeys(dir string, sb *SecretBox) (*KeyPair, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	encPriv, err := os.ReadFile(privPath)
	if os.IsNotExist(err) {
		return generateLongTermKeys(dir, sb)
	}
	if err != nil {
		return nil, fmt.Errorf("read long-term key: %w", err)
	}
	encPub, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read long-term key: %w", err)
	}

	priv, err := sb.Decrypt(string(encPriv))
	if err != nil {
		return nil, fmt.Errorf("unwrap private key: %w", err)
	}
	pub, err := sb.Decrypt(string(encPub))
	if err != nil {
		return nil, fmt.Errorf("unwrap public key: %w", err)
	}
	return KeyPairFromBase64(priv, pub)
}

func generateLongTermKeys(dir string, sb *SecretBox) (*KeyPair, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encPriv, err := sb.Encrypt(keys.PrivateBase64())
	if err != nil {
		return nil, err
	}
	encPub, err := sb.Encrypt(keys.PublicBase64())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte(encPriv), 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(encPub), 0o600); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return keys, nil
}

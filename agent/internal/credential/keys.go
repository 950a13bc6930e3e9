package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an ssh keypair on disk.
type KeyPair struct {
	PrivatePath string
	PublicPath  string
	PublicKey   ssh.PublicKey
}

// Fingerprint is the SHA256 fingerprint of the public half.
func (k KeyPair) Fingerprint() string {
	if k.PublicKey == nil {
		return ""
	}
	return ssh.FingerprintSHA256(k.PublicKey)
}

// CreateKeyPair generates an ed25519 keypair at privPath and privPath.pub.
// The private file is created exclusively: if it already exists the
// returned error wraps fs.ErrExist and nothing is written.
func CreateKeyPair(privPath, comment string) (KeyPair, error) {
	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return KeyPair{}, fmt.Errorf("mkdir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return KeyPair{}, fmt.Errorf("encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("encode public key: %w", err)
	}

	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return KeyPair{}, err
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		os.Remove(privPath)
		return KeyPair{}, fmt.Errorf("write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(privPath)
		return KeyPair{}, fmt.Errorf("write private key: %w", err)
	}

	pubPath := privPath + ".pub"
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	if err := os.WriteFile(pubPath, []byte(line+"\n"), 0o644); err != nil {
		os.Remove(privPath)
		return KeyPair{}, fmt.Errorf("write public key: %w", err)
	}

	return KeyPair{PrivatePath: privPath, PublicPath: pubPath, PublicKey: sshPub}, nil
}

// LoadOrCreateKeyPair returns the keypair at privPath, generating it first
// when it does not exist yet.
func LoadOrCreateKeyPair(privPath, comment string) (KeyPair, bool, error) {
	kp, err := CreateKeyPair(privPath, comment)
	if err == nil {
		return kp, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return KeyPair{}, false, err
	}
	kp, err = LoadKeyPair(privPath)
	return kp, false, err
}

// LoadKeyPair reads the public half of the keypair at privPath. The private
// file must exist but is not parsed.
func LoadKeyPair(privPath string) (KeyPair, error) {
	if _, err := os.Stat(privPath); err != nil {
		return KeyPair{}, err
	}
	pubPath := privPath + ".pub"
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, err
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse public key %s: %w", pubPath, err)
	}
	return KeyPair{PrivatePath: privPath, PublicPath: pubPath, PublicKey: key}, nil
}

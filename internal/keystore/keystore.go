// Package keystore derives per-path signing and key agreement keys from a
// device seed.
package keystore

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"
)

const MinSeedLen = 16

var ErrShortSeed = errors.New("keystore: seed too short")

var (
	signingSalt   = []byte("apductl/ed25519")
	agreementSalt = []byte("apductl/x25519")
)

// Keystore holds the device seed. Keys are derived on demand and never
// cached.
type Keystore struct {
	seed []byte
}

func New(seed []byte) (*Keystore, error) {
	if len(seed) < MinSeedLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortSeed, len(seed), MinSeedLen)
	}
	return &Keystore{seed: append([]byte(nil), seed...)}, nil
}

func (k *Keystore) derive(salt []byte, path Path, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha512.New, k.seed, salt, path.Encode())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keystore: derive %s: %w", path, err)
	}
	return out, nil
}

func (k *Keystore) signingKey(path Path) (ed25519.PrivateKey, error) {
	seed, err := k.derive(signingSalt, path, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer wipe(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKey returns the ed25519 public key for path.
func (k *Keystore) PublicKey(path Path) (ed25519.PublicKey, error) {
	priv, err := k.signingKey(path)
	if err != nil {
		return nil, err
	}
	defer wipe(priv)
	return append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...), nil
}

// Sign signs msg with the key for path.
func (k *Keystore) Sign(path Path, msg []byte) ([]byte, error) {
	priv, err := k.signingKey(path)
	if err != nil {
		return nil, err
	}
	defer wipe(priv)
	return ed25519.Sign(priv, msg), nil
}

// AgreementKey returns the X25519 key pair for path.
func (k *Keystore) AgreementKey(path Path) (priv, pub [32]byte, err error) {
	raw, err := k.derive(agreementSalt, path, curve25519.ScalarSize)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], raw)
	wipe(raw)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("keystore: agreement %s: %w", path, err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// Address is the SHA256 fingerprint of the path's public key in
// authorized_keys form.
func (k *Keystore) Address(path Path) (string, error) {
	pub, err := k.PublicKey(path)
	if err != nil {
		return "", err
	}
	return Fingerprint(pub)
}

// Fingerprint formats an ed25519 public key as an SSH SHA256 fingerprint.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: fingerprint: %w", err)
	}
	return ssh.FingerprintSHA256(sshKey), nil
}

// AuthorizedKey renders pub in authorized_keys format.
func AuthorizedKey(pub ed25519.PublicKey, comment string) (string, error) {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: authorized key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshKey)
	line = line[:len(line)-1]
	if comment != "" {
		return string(line) + " " + comment, nil
	}
	return string(line), nil
}

// Wipe zeroes the held seed.
func (k *Keystore) Wipe() {
	wipe(k.seed)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

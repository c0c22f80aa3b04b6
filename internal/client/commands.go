package client

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/handlers"
	"github.com/danmuck/apductl/internal/keystore"
	"golang.org/x/crypto/nacl/box"
)

// ChunkLen is the transaction bytes sent per sign request.
const ChunkLen = apdu.MaxPayloadLen

func (c *Client) GetVersion(ctx context.Context) (handlers.Version, error) {
	data, err := c.call(ctx, apdu.NewRequest(handlers.InsGetVersion, 0, 0, nil))
	if err != nil {
		return handlers.Version{}, err
	}
	if len(data) != 4 {
		return handlers.Version{}, fmt.Errorf("client: version reply is %d bytes", len(data))
	}
	return handlers.Version{Major: data[0], Minor: data[1], Patch: data[2], Flags: data[3]}, nil
}

// PublicKeys fetches one 32-byte key per path from the given family.
func (c *Client) PublicKeys(ctx context.Context, family byte, paths ...keystore.Path) ([][]byte, error) {
	var payload []byte
	for _, p := range paths {
		payload = append(payload, p.Encode()...)
	}
	data, err := c.call(ctx, apdu.NewRequest(handlers.InsGetPublicKeys, family, 0, payload))
	if err != nil {
		return nil, err
	}
	if len(data) < 1 || int(data[0]) != len(paths) || len(data) != 1+32*len(paths) {
		return nil, fmt.Errorf("client: malformed public keys reply (%d bytes)", len(data))
	}
	keys := make([][]byte, len(paths))
	for i := range keys {
		keys[i] = data[1+32*i : 1+32*(i+1)]
	}
	return keys, nil
}

// SignTransaction streams txn to the device and returns the ed25519
// signature over its SHA-256 digest.
func (c *Client) SignTransaction(ctx context.Context, path keystore.Path, txn []byte) ([]byte, error) {
	head := path.Encode()
	first := min(len(txn), ChunkLen-len(head))
	if _, err := c.call(ctx, apdu.NewRequest(handlers.InsSignTxn, handlers.SignInit, 0, append(head, txn[:first]...))); err != nil {
		return nil, err
	}
	rest := txn[first:]
	for len(rest) > ChunkLen {
		if _, err := c.call(ctx, apdu.NewRequest(handlers.InsSignTxn, handlers.SignAppend, 0, rest[:ChunkLen])); err != nil {
			return nil, err
		}
		rest = rest[ChunkLen:]
	}
	sig, err := c.call(ctx, apdu.NewRequest(handlers.InsSignTxn, handlers.SignFinish, 0, rest))
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("client: signature is %d bytes", len(sig))
	}
	return sig, nil
}

// BoxSession is an open encrypt or decrypt session on the device.
type BoxSession struct {
	c         *Client
	DevicePub [32]byte
}

// OpenBox starts an encrypt (decrypt=false) or decrypt session between
// hostPub and the device's agreement key for path.
func (c *Client) OpenBox(ctx context.Context, path keystore.Path, hostPub [32]byte, decrypt bool) (*BoxSession, error) {
	step := handlers.CryptInitEncrypt
	if decrypt {
		step = handlers.CryptInitDecrypt
	}
	data, err := c.call(ctx, apdu.NewRequest(handlers.InsEncryptDecrypt, step, 0, append(path.Encode(), hostPub[:]...)))
	if err != nil {
		return nil, err
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("client: device key is %d bytes", len(data))
	}
	s := &BoxSession{c: c}
	copy(s.DevicePub[:], data)
	return s, nil
}

// Process sends one message through the session. Encrypt sessions answer
// nonce||box; decrypt sessions take nonce||box and answer the plaintext.
func (s *BoxSession) Process(ctx context.Context, msg []byte) ([]byte, error) {
	return s.c.call(ctx, apdu.NewRequest(handlers.InsEncryptDecrypt, handlers.CryptProcess, 0, msg))
}

// SealFor builds a decrypt-session message for the device on the host side.
func SealFor(devicePub, hostPriv *[32]byte, nonce *[24]byte, msg []byte) []byte {
	return box.Seal(append([]byte(nil), nonce[:]...), msg, nonce, devicePub, hostPriv)
}

// OpenFrom opens an encrypt-session reply on the host side.
func OpenFrom(devicePub, hostPriv *[32]byte, sealed []byte) ([]byte, bool) {
	if len(sealed) < handlers.NonceLen+box.Overhead {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:handlers.NonceLen])
	return box.Open(nil, sealed[handlers.NonceLen:], &nonce, devicePub, hostPriv)
}

// ShowAddress returns the address for path, asking the user to verify it
// on the device when confirm is set.
func (c *Client) ShowAddress(ctx context.Context, path keystore.Path, confirm bool) (string, error) {
	mode := handlers.AddressReturn
	if confirm {
		mode = handlers.AddressConfirm
	}
	data, err := c.call(ctx, apdu.NewRequest(handlers.InsShowAddress, mode, 0, path.Encode()))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/state"
	"github.com/danmuck/apductl/internal/testutil/testlog"
	"golang.org/x/crypto/nacl/box"
)

var testPath = keystore.MustParsePath("m/44'/535348'/0'")

type recordingPrompter struct {
	approve bool
	shown   []Prompt
	asked   []Prompt
}

func (p *recordingPrompter) Show(_ context.Context, pr Prompt) error {
	p.shown = append(p.shown, pr)
	return nil
}

func (p *recordingPrompter) Confirm(_ context.Context, pr Prompt) (bool, error) {
	p.asked = append(p.asked, pr)
	return p.approve, nil
}

type harness struct {
	t      *testing.T
	ks     *keystore.Keystore
	prompt *recordingPrompter
	table  *dispatch.Table
	states *state.Manager
	buf    []byte
}

func newHarness(t *testing.T, approve bool) *harness {
	t.Helper()
	testlog.Start(t)
	ks, err := keystore.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	prompt := &recordingPrompter{approve: approve}
	table, err := Table(Deps{Keystore: ks, Prompter: prompt, Version: Version{Major: 1, Minor: 2, Patch: 3, Flags: 0x80}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return &harness{t: t, ks: ks, prompt: prompt, table: table, states: state.NewManager(nil), buf: make([]byte, apdu.BufferSize)}
}

// call runs one request the way the dispatcher would and returns the sealed
// reply or the handler error.
func (h *harness) call(ins, p1 byte, data []byte) (apdu.Reply, error) {
	h.t.Helper()
	entry, ok := h.table.Lookup(ins)
	if !ok {
		h.t.Fatalf("no handler for 0x%02x", ins)
	}
	h.states.Enter(ins)
	resp := apdu.NewResponse(h.buf)
	_, err := entry.Handler.Execute(context.Background(), apdu.NewRequest(ins, p1, 0, data), h.states.Shared(), resp)
	if err != nil {
		h.states.Clear(state.ClearFault)
		return apdu.Reply{}, err
	}
	if !resp.Sealed() {
		h.t.Fatalf("handler 0x%02x left response unsealed", ins)
	}
	reply, err := apdu.ParseReply(resp.Bytes())
	if err != nil {
		h.t.Fatalf("parse reply: %v", err)
	}
	return reply, nil
}

func expectCode(t *testing.T, err error, code uint16) {
	t.Helper()
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != code {
		t.Fatalf("expected fault 0x%04x, got %v", code, err)
	}
}

func TestTableRequiresKeystore(t *testing.T) {
	testlog.Start(t)
	if _, err := Table(Deps{}); !errors.Is(err, ErrNilKeystore) {
		t.Fatalf("expected ErrNilKeystore, got %v", err)
	}
}

func TestTableEntries(t *testing.T) {
	h := newHarness(t, true)
	entries := h.table.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Ins != byte(i+1) {
			t.Fatalf("entry %d has ins 0x%02x", i, e.Ins)
		}
	}
}

func TestGetVersion(t *testing.T) {
	h := newHarness(t, true)
	reply, err := h.call(InsGetVersion, 0, nil)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if reply.Answer != apdu.AnswerSuccess || !bytes.Equal(reply.Data, []byte{1, 2, 3, 0x80}) {
		t.Fatalf("unexpected reply %+v", reply)
	}
	_, err = h.call(InsGetVersion, 1, nil)
	expectCode(t, err, fault.CodeWrongParams)
}

func TestGetPublicKeys(t *testing.T) {
	h := newHarness(t, true)
	other := keystore.MustParsePath("m/44'/535348'/1'")
	data := append(testPath.Encode(), other.Encode()...)

	reply, err := h.call(InsGetPublicKeys, KeySigning, data)
	if err != nil {
		t.Fatalf("get public keys: %v", err)
	}
	if reply.Data[0] != 2 || len(reply.Data) != 1+64 {
		t.Fatalf("unexpected reply %x", reply.Data)
	}
	want, _ := h.ks.PublicKey(other)
	if !bytes.Equal(reply.Data[33:], want) {
		t.Fatalf("second key mismatch")
	}

	reply, err = h.call(InsGetPublicKeys, KeyAgreement, testPath.Encode())
	if err != nil {
		t.Fatalf("agreement keys: %v", err)
	}
	_, pub, _ := h.ks.AgreementKey(testPath)
	if !bytes.Equal(reply.Data[1:], pub[:]) {
		t.Fatalf("agreement key mismatch")
	}

	_, err = h.call(InsGetPublicKeys, 9, testPath.Encode())
	expectCode(t, err, fault.CodeWrongParams)
	_, err = h.call(InsGetPublicKeys, KeySigning, []byte{3, 0})
	expectCode(t, err, fault.CodeInvalidData)
	_, err = h.call(InsGetPublicKeys, KeySigning, nil)
	expectCode(t, err, fault.CodeWrongLength)
}

func TestGetPublicKeysOverflow(t *testing.T) {
	h := newHarness(t, true)
	var data []byte
	for i := 0; i < 8; i++ {
		data = append(data, keystore.Path{uint32(i)}.Encode()...)
	}
	_, err := h.call(InsGetPublicKeys, KeySigning, data)
	expectCode(t, err, fault.CodeOutputOverflow)
}

func TestSignTxnMultiStep(t *testing.T) {
	h := newHarness(t, true)
	txn := bytes.Repeat([]byte("transfer;"), 60)

	init := append(testPath.Encode(), txn[:100]...)
	if reply, err := h.call(InsSignTxn, SignInit, init); err != nil || reply.Answer != apdu.AnswerSuccess {
		t.Fatalf("init: %+v %v", reply, err)
	}
	if _, err := h.call(InsSignTxn, SignAppend, txn[100:300]); err != nil {
		t.Fatalf("append: %v", err)
	}
	reply, err := h.call(InsSignTxn, SignFinish, txn[300:])
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if reply.Answer != apdu.AnswerSuccess || len(reply.Data) != ed25519.SignatureSize {
		t.Fatalf("unexpected reply %+v", reply)
	}

	sum := sha256.Sum256(txn)
	pub, _ := h.ks.PublicKey(testPath)
	if !ed25519.Verify(pub, sum[:], reply.Data) {
		t.Fatalf("signature does not verify over the transaction digest")
	}
	if len(h.prompt.asked) != 1 || h.prompt.asked[0].Lines[0] != testPath.String() {
		t.Fatalf("unexpected confirmations %+v", h.prompt.asked)
	}

	// The session ended with finish.
	_, err = h.call(InsSignTxn, SignAppend, []byte("more"))
	expectCode(t, err, fault.CodeConditionsNotSatisfied)
}

func TestSignTxnRejected(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.call(InsSignTxn, SignInit, testPath.Encode()); err != nil {
		t.Fatalf("init: %v", err)
	}
	reply, err := h.call(InsSignTxn, SignFinish, []byte("tx"))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if reply.Answer != apdu.AnswerRejected || len(reply.Data) != 0 {
		t.Fatalf("expected rejection, got %+v", reply)
	}
}

func TestSignTxnSessionLostOnOpcodeChange(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.call(InsSignTxn, SignInit, testPath.Encode()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := h.call(InsGetVersion, 0, nil); err != nil {
		t.Fatalf("get version: %v", err)
	}
	_, err := h.call(InsSignTxn, SignFinish, nil)
	expectCode(t, err, fault.CodeConditionsNotSatisfied)
}

func TestSignTxnRejectsBadSteps(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.call(InsSignTxn, 7, nil)
	expectCode(t, err, fault.CodeWrongParams)
	_, err = h.call(InsSignTxn, SignInit, []byte{0})
	expectCode(t, err, fault.CodeInvalidData)
}

func TestSignTxnLengthCap(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.call(InsSignTxn, SignInit, testPath.Encode()); err != nil {
		t.Fatalf("init: %v", err)
	}
	chunk := make([]byte, apdu.MaxPayloadLen)
	var err error
	for i := 0; i <= MaxTxnLen/len(chunk); i++ {
		if _, err = h.call(InsSignTxn, SignAppend, chunk); err != nil {
			break
		}
	}
	expectCode(t, err, fault.CodeWrongLength)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	h := newHarness(t, true)
	hostPub, hostPriv, err := box.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{3}, 64)))
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	reply, err := h.call(InsEncryptDecrypt, CryptInitEncrypt, append(testPath.Encode(), hostPub[:]...))
	if err != nil {
		t.Fatalf("init encrypt: %v", err)
	}
	var devicePub [32]byte
	copy(devicePub[:], reply.Data)

	reply, err = h.call(InsEncryptDecrypt, CryptProcess, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var nonce [24]byte
	copy(nonce[:], reply.Data[:NonceLen])
	plain, ok := box.Open(nil, reply.Data[NonceLen:], &nonce, &devicePub, hostPriv)
	if !ok || string(plain) != "attack at dawn" {
		t.Fatalf("host could not open device box: %q", plain)
	}

	if _, err := h.call(InsEncryptDecrypt, CryptInitDecrypt, append(testPath.Encode(), hostPub[:]...)); err != nil {
		t.Fatalf("init decrypt: %v", err)
	}
	nonce[0] ^= 0xFF
	sealed := box.Seal(nonce[:], []byte("retreat"), &nonce, &devicePub, hostPriv)
	reply, err = h.call(InsEncryptDecrypt, CryptProcess, sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(reply.Data) != "retreat" {
		t.Fatalf("unexpected plaintext %q", reply.Data)
	}

	sealed[len(sealed)-1] ^= 1
	_, err = h.call(InsEncryptDecrypt, CryptProcess, sealed)
	expectCode(t, err, fault.CodeInvalidData)

	// The fault cleared the session key.
	_, err = h.call(InsEncryptDecrypt, CryptProcess, sealed)
	expectCode(t, err, fault.CodeConditionsNotSatisfied)
}

func TestEncryptDecryptValidation(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.call(InsEncryptDecrypt, CryptProcess, []byte("x"))
	expectCode(t, err, fault.CodeConditionsNotSatisfied)
	_, err = h.call(InsEncryptDecrypt, CryptInitEncrypt, append(testPath.Encode(), 1, 2))
	expectCode(t, err, fault.CodeWrongLength)
	_, err = h.call(InsEncryptDecrypt, 9, nil)
	expectCode(t, err, fault.CodeWrongParams)
}

func TestShowAddress(t *testing.T) {
	h := newHarness(t, true)
	want, _ := h.ks.Address(testPath)

	reply, err := h.call(InsShowAddress, AddressReturn, testPath.Encode())
	if err != nil || string(reply.Data) != want {
		t.Fatalf("unexpected address %q err=%v", reply.Data, err)
	}
	if len(h.prompt.asked) != 0 {
		t.Fatalf("return mode should not prompt")
	}

	reply, err = h.call(InsShowAddress, AddressConfirm, testPath.Encode())
	if err != nil || string(reply.Data) != want || len(h.prompt.asked) != 1 {
		t.Fatalf("confirm mode failed: %q err=%v", reply.Data, err)
	}

	h.prompt.approve = false
	reply, err = h.call(InsShowAddress, AddressConfirm, testPath.Encode())
	if err != nil || reply.Answer != apdu.AnswerRejected {
		t.Fatalf("expected rejection, got %+v err=%v", reply, err)
	}

	_, err = h.call(InsShowAddress, AddressReturn, append(testPath.Encode(), 0))
	expectCode(t, err, fault.CodeWrongLength)
}

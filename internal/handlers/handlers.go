package handlers

import (
	"errors"

	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Opcodes.
const (
	InsGetVersion     byte = 0x01
	InsGetPublicKeys  byte = 0x02
	InsSignTxn        byte = 0x03
	InsEncryptDecrypt byte = 0x04
	InsShowAddress    byte = 0x05
)

var ErrNilKeystore = errors.New("handlers: nil keystore")

// Version is reported by get-version.
type Version struct {
	Major byte
	Minor byte
	Patch byte
	Flags byte
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Keystore *keystore.Keystore
	Prompter Prompter
	Version  Version
	Logger   *zerolog.Logger
}

// Table builds the device's opcode table.
func Table(deps Deps) (*dispatch.Table, error) {
	if deps.Keystore == nil {
		return nil, ErrNilKeystore
	}
	if deps.Prompter == nil {
		deps.Prompter = AutoPrompter{}
	}
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	logger = logger.With().Str("component", "handlers").Logger()

	return dispatch.NewTable(
		dispatch.Entry{Ins: InsGetVersion, Name: "get_version", Handler: getVersion{v: deps.Version}},
		dispatch.Entry{Ins: InsGetPublicKeys, Name: "get_public_keys", Handler: getPublicKeys{ks: deps.Keystore}},
		dispatch.Entry{Ins: InsSignTxn, Name: "sign_txn", Handler: &signTxn{ks: deps.Keystore, prompt: deps.Prompter, log: logger}},
		dispatch.Entry{Ins: InsEncryptDecrypt, Name: "encrypt_decrypt", Handler: &cryptBox{ks: deps.Keystore, log: logger}},
		dispatch.Entry{Ins: InsShowAddress, Name: "show_address", Handler: showAddress{ks: deps.Keystore, prompt: deps.Prompter}},
	), nil
}

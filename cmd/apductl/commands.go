package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/apductl/internal/client"
	"github.com/danmuck/apductl/internal/handlers"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/spf13/cobra"
)

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the device application version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				v, err := c.GetVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d.%d.%d flags=0x%02x\n", v.Major, v.Minor, v.Patch, v.Flags)
				return nil
			})
		},
	}
}

func newPubkeysCmd(opts *globalOptions) *cobra.Command {
	var agreement, sshFormat bool
	cmd := &cobra.Command{
		Use:   "pubkeys [path...]",
		Short: "Fetch public keys for one or more paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{opts.path}
			}
			paths, err := parsePaths(args)
			if err != nil {
				return err
			}
			family := handlers.KeySigning
			if agreement {
				family = handlers.KeyAgreement
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				keys, err := c.PublicKeys(ctx, family, paths...)
				if err != nil {
					return err
				}
				for i, k := range keys {
					line := hex.EncodeToString(k)
					if sshFormat && !agreement {
						if line, err = keystore.AuthorizedKey(ed25519.PublicKey(k), paths[i].String()); err != nil {
							return err
						}
						fmt.Fprintln(cmd.OutOrStdout(), line)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", paths[i], line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&agreement, "agreement", false, "fetch X25519 agreement keys instead of signing keys")
	cmd.Flags().BoolVar(&sshFormat, "ssh", false, "print signing keys in authorized_keys format")
	return cmd
}

func newSignCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sign [hex-transaction]",
		Short: "Sign a transaction after on-device approval",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.derivationPath()
			if err != nil {
				return err
			}
			txn, err := readTransaction(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				sig, err := c.SignTransaction(ctx, path, txn)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(sig))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read raw transaction bytes from a file ('-' for stdin)")
	return cmd
}

func newEncryptCmd(opts *globalOptions) *cobra.Command {
	var peerHex string
	cmd := &cobra.Command{
		Use:   "encrypt <message>",
		Short: "Encrypt a message on the device for a peer X25519 key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.derivationPath()
			if err != nil {
				return err
			}
			peer, err := decodeKey(peerHex)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				s, err := c.OpenBox(ctx, path, peer, false)
				if err != nil {
					return err
				}
				sealed, err := s.Process(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(sealed))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&peerHex, "peer", "", "peer X25519 public key (hex)")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func newDecryptCmd(opts *globalOptions) *cobra.Command {
	var peerHex string
	cmd := &cobra.Command{
		Use:   "decrypt <hex nonce||box>",
		Short: "Decrypt a message from a peer X25519 key on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.derivationPath()
			if err != nil {
				return err
			}
			peer, err := decodeKey(peerHex)
			if err != nil {
				return err
			}
			sealed, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				s, err := c.OpenBox(ctx, path, peer, true)
				if err != nil {
					return err
				}
				plain, err := s.Process(ctx, sealed)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(plain))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&peerHex, "peer", "", "peer X25519 public key (hex)")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func newShowAddressCmd(opts *globalOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "show-address",
		Short: "Derive the account address, optionally verifying it on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.derivationPath()
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) error {
				addr, err := c.ShowAddress(ctx, path, confirm)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "require on-device verification")
	return cmd
}

func parsePaths(raw []string) ([]keystore.Path, error) {
	paths := make([]keystore.Path, 0, len(raw))
	for _, r := range raw {
		p, err := keystore.ParsePath(r)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func decodeKey(raw string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("key is %d bytes, want %d", len(b), len(key))
	}
	copy(key[:], b)
	return key, nil
}

func readTransaction(stdin io.Reader, file string, args []string) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	case len(args) == 1:
		b, err := hex.DecodeString(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("transaction required: pass hex or --file")
	}
}

// apductl drives an APDU device as a host.
package main

import (
	"context"
	"os"
	"time"

	"github.com/danmuck/apductl/internal/client"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/logging"
	"github.com/danmuck/apductl/internal/transport"
	"github.com/spf13/cobra"
)

const defaultPath = "m/44'/535348'/0'"

type globalOptions struct {
	addr    string
	timeout time.Duration
	path    string
	tls     transport.TLSConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "apductl",
		Short:        "Host client for an APDU device",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:9999", "device address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command timeout")
	cmd.PersistentFlags().StringVar(&opts.path, "path", defaultPath, "derivation path")
	cmd.PersistentFlags().StringVar(&opts.tls.CAFile, "tls-ca", "", "CA file verifying the device (enables TLS)")
	cmd.PersistentFlags().StringVar(&opts.tls.CertFile, "tls-cert", "", "host client certificate")
	cmd.PersistentFlags().StringVar(&opts.tls.KeyFile, "tls-key", "", "host client key")
	cmd.PersistentFlags().StringVar(&opts.tls.ServerName, "tls-server-name", "", "expected device certificate name")
	cmd.PersistentFlags().BoolVar(&opts.tls.InsecureSkipVerify, "tls-insecure", false, "skip device certificate verification")

	cmd.AddCommand(
		newVersionCmd(opts),
		newPubkeysCmd(opts),
		newSignCmd(opts),
		newEncryptCmd(opts),
		newDecryptCmd(opts),
		newShowAddressCmd(opts),
	)
	return cmd
}

// withClient dials the device for one command.
func withClient(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	tlsCfg, err := opts.tls.ClientConfig()
	if err != nil {
		return err
	}
	c, err := client.DialTLS(ctx, opts.addr, tlsCfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func (o *globalOptions) derivationPath() (keystore.Path, error) {
	return keystore.ParsePath(o.path)
}

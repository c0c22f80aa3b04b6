package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const templateHeader = `# apdud device configuration.
# seed_hex may be left out and supplied through APDUD_SEED_HEX instead.
# canary_policy: "enforce" stops the device on buffer corruption,
# "advisory" only logs it. canary_sentinel "random" draws one per session.

`

// Template renders the default configuration with a freshly generated seed.
func Template() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	def := DefaultDeviceConfig()
	raw := fileConfig{
		DeviceID:       def.DeviceID,
		ListenAddr:     def.ListenAddr,
		AdminAddr:      def.AdminAddr,
		CorsOrigins:    def.CorsOrigins,
		CanaryPolicy:   string(def.CanaryPolicy),
		CanarySentinel: "random",
		SeedHex:        hex.EncodeToString(seed),
		AutoApprove:    def.AutoApprove,
		ReadTimeout:    "0s",
	}
	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}
	return buf.String(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	template, err := Template()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/apductl/internal/canary"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/transport"
)

// EnvSeedHex overrides seed_hex so the seed can stay out of config files.
const EnvSeedHex = "APDUD_SEED_HEX"

// DeviceConfig is the resolved configuration of one emulated device.
type DeviceConfig struct {
	DeviceID   string
	ListenAddr string
	AdminAddr  string
	// AdminToken guards the admin status and metrics routes when set.
	AdminToken  string
	CorsOrigins []string
	// CanaryPolicy decides whether a mismatch stops the device.
	CanaryPolicy canary.Policy
	// CanarySentinel pins the guard word; zero draws a random one per session.
	CanarySentinel uint32
	Seed           []byte
	AutoApprove    bool
	ReadTimeout    time.Duration
	TLS            transport.TLSConfig
}

type fileConfig struct {
	DeviceID       string   `toml:"device_id"`
	ListenAddr     string   `toml:"listen_addr"`
	AdminAddr      string   `toml:"admin_addr"`
	AdminToken     string   `toml:"admin_token"`
	CorsOrigins    []string `toml:"cors_origins"`
	CanaryPolicy   string   `toml:"canary_policy"`
	CanarySentinel string   `toml:"canary_sentinel"`
	SeedHex        string   `toml:"seed_hex"`
	AutoApprove    bool     `toml:"auto_approve"`
	ReadTimeout    string   `toml:"read_timeout"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
	TLSClientCA    string   `toml:"tls_client_ca_file"`
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		DeviceID:     "apdud",
		ListenAddr:   "127.0.0.1:9999",
		AdminAddr:    "127.0.0.1:9998",
		CorsOrigins:  []string{"http://localhost:3000"},
		CanaryPolicy: canary.PolicyEnforce,
		AutoApprove:  false,
	}
}

// Load overlays the keys defined in path onto the defaults, applies env
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (DeviceConfig, error) {
	cfg := DefaultDeviceConfig()

	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return DeviceConfig{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
		}
		if err := overlay(&cfg, raw, meta); err != nil {
			return DeviceConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvSeedHex)); v != "" {
		seed, err := decodeSeed(v)
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("%s: %w", EnvSeedHex, err)
		}
		cfg.Seed = seed
	}

	if err := cfg.Validate(); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func overlay(cfg *DeviceConfig, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("device_id") {
		cfg.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("canary_policy") {
		p, err := canary.ParsePolicy(raw.CanaryPolicy)
		if err != nil {
			return err
		}
		cfg.CanaryPolicy = p
	}
	if meta.IsDefined("canary_sentinel") {
		v, err := parseSentinel(raw.CanarySentinel)
		if err != nil {
			return err
		}
		cfg.CanarySentinel = v
	}
	if meta.IsDefined("seed_hex") {
		seed, err := decodeSeed(raw.SeedHex)
		if err != nil {
			return fmt.Errorf("seed_hex: %w", err)
		}
		cfg.Seed = seed
	}
	if meta.IsDefined("auto_approve") {
		cfg.AutoApprove = raw.AutoApprove
	}
	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_client_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSClientCA)
	}
	return nil
}

func (c DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device config missing device_id")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("device config missing listen_addr")
	}
	if c.AdminAddr != "" && c.AdminAddr == c.ListenAddr {
		return fmt.Errorf("admin_addr and listen_addr must differ")
	}
	if _, err := canary.ParsePolicy(string(c.CanaryPolicy)); err != nil {
		return err
	}
	if len(c.Seed) < keystore.MinSeedLen {
		return fmt.Errorf("device config needs seed_hex or %s with at least %d bytes", EnvSeedHex, keystore.MinSeedLen)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if err := c.TLS.ValidateServer(); err != nil {
		return err
	}
	return nil
}

// CanaryOptions maps the sentinel setting onto monitor options.
func (c DeviceConfig) CanaryOptions() []canary.Option {
	if c.CanarySentinel == 0 {
		return nil
	}
	return []canary.Option{canary.WithSentinel(c.CanarySentinel)}
}

func decodeSeed(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex seed: %w", err)
	}
	return seed, nil
}

func parseSentinel(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "random") {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse canary_sentinel: %w", err)
	}
	if v == 0 {
		return 0, fmt.Errorf("canary_sentinel must be non-zero")
	}
	return uint32(v), nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, o := range in {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

// Package config loads the node's TOML configuration. A missing file is not
// an error: the first run writes a default config next to a freshly
// generated owner keystore so a bare `xpd` starts a usable local ledger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"xpledger/crypto"
)

type Config struct {
	RPCAddress        string `toml:"RPCAddress"`
	DataDir           string `toml:"DataDir"`
	NetworkName       string `toml:"NetworkName"`
	OwnerKeystorePath string `toml:"OwnerKeystorePath"`
	// GenesisOwner seeds a fresh ledger. Existing ledgers ignore it.
	GenesisOwner string `toml:"GenesisOwner"`
	MinFee       uint64 `toml:"MinFee"`
	QueueSize    int    `toml:"QueueSize"`
}

// Load loads the configuration from the given path, creating a default
// config and owner keystore when the file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "xp-local"
	}
	if owner := strings.TrimSpace(cfg.GenesisOwner); owner != "" {
		if _, err := crypto.DecodeAddress(owner); err != nil {
			return nil, fmt.Errorf("config GenesisOwner: %w", err)
		}
	}

	return cfg, nil
}

// Owner decodes the configured genesis owner. The zero address means the
// ledger initializes lazily from the first delivered envelope.
func (c *Config) Owner() (crypto.Address, error) {
	owner := strings.TrimSpace(c.GenesisOwner)
	if owner == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(owner)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.GenesisOwner) == "" {
			cfg.GenesisOwner = key.PubKey().Address().String()
		}
	} else if err != nil {
		return err
	} else if strings.TrimSpace(cfg.GenesisOwner) == "" {
		// Existing keystore with no configured owner: recover the address
		// if the keystore was written with the bootstrap's empty
		// passphrase, otherwise the operator has to fill the field in.
		key, loadErr := crypto.LoadFromKeystore(keystorePath, "")
		if loadErr != nil {
			return fmt.Errorf("GenesisOwner unset and keystore %s is passphrase-protected; set GenesisOwner explicitly", keystorePath)
		}
		cfg.GenesisOwner = key.PubKey().Address().String()
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:        ":8080",
		DataDir:           "./xp-data",
		NetworkName:       "xp-local",
		OwnerKeystorePath: keystorePath,
		GenesisOwner:      key.PubKey().Address().String(),
		MinFee:            1,
		QueueSize:         128,
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}

package config

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/DERACHAIN/bundler/keystore"
)

const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvRedisURL        = "REDIS_URL"
	EnvRelayerSeed     = "RELAYER_SEED"
	EnvOwnerPrivateKey = "OWNER_PRIVATE_KEY"
	EnvSeedPassphrase  = "RELAYER_SEED_PASSPHRASE"
)

// Secrets are read from the environment, never from the config file. A per-manager variable
// such as RELAYER_SEED_RM1 takes precedence over the shared RELAYER_SEED.
type Secrets struct {
	DatabaseURL string
	RedisURL    string

	getenv func(string) string
}

// LoadSecrets loads envFiles into the environment, without overriding variables already set,
// and reads the connection secrets. Missing env files are ignored.
func LoadSecrets(envFiles ...string) (*Secrets, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return newSecrets(os.Getenv)
}

func newSecrets(getenv func(string) string) (*Secrets, error) {
	s := &Secrets{
		DatabaseURL: getenv(EnvDatabaseURL),
		RedisURL:    getenv(EnvRedisURL),
		getenv:      getenv,
	}
	var err error
	if s.DatabaseURL == "" {
		err = errors.Join(err, fmt.Errorf("%s is required", EnvDatabaseURL))
	}
	if s.RedisURL == "" {
		err = errors.Join(err, fmt.Errorf("%s is required", EnvRedisURL))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Secrets) lookup(name, manager string) string {
	if v := s.getenv(name + "_" + strings.ToUpper(manager)); v != "" {
		return v
	}
	return s.getenv(name)
}

// RelayerSeed returns the HD seed of manager's relayers. The variable holds either a BIP-39
// mnemonic or a 0x-prefixed hex seed.
func (s *Secrets) RelayerSeed(manager string) ([]byte, error) {
	v := strings.TrimSpace(s.lookup(EnvRelayerSeed, manager))
	if v == "" {
		return nil, fmt.Errorf("%s is required for manager %s", EnvRelayerSeed, manager)
	}
	if strings.HasPrefix(v, "0x") {
		seed, err := hex.DecodeString(v[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid %s for manager %s: %w", EnvRelayerSeed, manager, err)
		}
		return seed, nil
	}
	return keystore.SeedFromMnemonic(v, s.getenv(EnvSeedPassphrase)), nil
}

// OwnerKey returns the key that funds manager's relayers.
func (s *Secrets) OwnerKey(manager string) (*ecdsa.PrivateKey, error) {
	v := strings.TrimPrefix(strings.TrimSpace(s.lookup(EnvOwnerPrivateKey, manager)), "0x")
	if v == "" {
		return nil, fmt.Errorf("%s is required for manager %s", EnvOwnerPrivateKey, manager)
	}
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s for manager %s: %w", EnvOwnerPrivateKey, manager, err)
	}
	return key, nil
}

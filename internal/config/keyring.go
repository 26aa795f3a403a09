package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"
)

const keyringService = "email-agent"

// Keyring is the secret store consulted for secrets missing from the file
// and environment.
type Keyring interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// systemKeyring opens the OS keyring on first use.
type systemKeyring struct {
	once sync.Once
	ring keyring.Keyring
	err  error
}

func newSystemKeyring() *systemKeyring { return &systemKeyring{} }

func (k *systemKeyring) open() (keyring.Keyring, error) {
	k.once.Do(func() {
		k.ring, k.err = keyring.Open(keyring.Config{
			ServiceName: keyringService,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
			FileDir:                  filepath.Join(configDir(), "credentials"),
			FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
			KeychainTrustApplication: true,
		})
		if k.err != nil {
			k.err = fmt.Errorf("opening keyring: %w", k.err)
		}
	})
	return k.ring, k.err
}

func (k *systemKeyring) Get(key string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (k *systemKeyring) Set(key, value string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: keyringService + " " + key}); err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns every key with its effective value from a loaded v.
// Secret values are masked.
func ShowAll(v *viper.Viper) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		val := fmt.Sprintf("%v", v.Get(s.key))
		if s.secret && val != "" {
			val = "********"
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: EnvVar(s.key), Value: val})
	}
	return result
}

// SetSecret stores a secret key in the OS keyring.
func SetSecret(key, value string) error {
	return setSecretWith(newSystemKeyring(), key, value)
}

func setSecretWith(kr Keyring, key, value string) error {
	if !isSecret(key) {
		return fmt.Errorf("%q is not a secret key; valid keys: %v", key, SecretKeys())
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}
	return kr.Set(key, value)
}

// SecretKeys returns the keys that may be stored in the keyring.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

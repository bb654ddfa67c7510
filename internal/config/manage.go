package config

import "fmt"

// KeyInfo is one row of `drinkwatch config show`.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	Default bool // value equals the built-in default
}

// ShowAll lists every non-secret key of cfg in table order.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		v := s.extract(cfg)
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(v),
			Default: v == s.extract(def),
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(openYAMLFile(ConfigFilePath()), key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(openYAMLFile(ConfigFilePath()), key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Set(key, v)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}

func settable(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set it with the %s environment variable", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the keys `config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

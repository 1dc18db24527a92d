package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"pandora/internal/domain"
)

// Recording describes one recorded contract.
type Recording struct {
	Symbol   string          `yaml:"symbol"`
	Exchange domain.Exchange `yaml:"exchange"`
	Product  domain.Product  `yaml:"product,omitempty"`
}

// Key returns the contract's "SYMBOL.EXCHANGE" key.
func (r Recording) Key() string { return domain.Key(r.Symbol, r.Exchange) }

// Settings lists the contracts whose ticks and bars are recorded, keyed by
// "SYMBOL.EXCHANGE".
type Settings struct {
	Tick map[string]Recording `yaml:"tick"`
	Bar  map[string]Recording `yaml:"bar"`
}

// LoadSettings reads the setting file at path. A missing file yields empty
// settings.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if s.Tick == nil {
		s.Tick = make(map[string]Recording)
	}
	if s.Bar == nil {
		s.Bar = make(map[string]Recording)
	}
	return s, nil
}

// Save writes the settings to path, replacing the file atomically.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Symbols returns the sorted, de-duplicated symbols of all recordings.
func (s *Settings) Symbols() []string {
	seen := make(map[string]struct{})
	for _, r := range s.Tick {
		seen[r.Symbol] = struct{}{}
	}
	for _, r := range s.Bar {
		seen[r.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]Recording) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

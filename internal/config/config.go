// Package config loads the runtime tunables for the allocator and
// snapshot subsystems from an optional TOML file, falling back to
// built-in defaults when absent.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Tunables holds the values that would otherwise be compile-time
// constants in the source project. All fields have sane defaults;
// a zero-value Tunables is invalid and callers should use Defaults().
type Tunables struct {
	// DefaultPoolSize is the VM region size requested by the persistent
	// allocator when no free block satisfies a request (spec.md §4.C).
	DefaultPoolSize uint64 `toml:"default_pool_size,omitempty"`

	// EphemeralRegionSize is the VM region size requested by the
	// ephemeral allocator (spec.md §4.D).
	EphemeralRegionSize uint64 `toml:"ephemeral_region_size,omitempty"`
}

// Defaults returns the built-in tunables used when no config file is
// present or a field is left unset.
//
// The large-platform VM alignment (spec.md §4.A) and the B+Tree node
// byte budget (spec.md §4.G) are deliberately not exposed here: both
// are read by generic code at compile time (internal/vmem's
// largePlatformAlignment constant, internal/btree's unsafe.Sizeof-
// derived nodeCapacity[T]) the same way the original source fixes them
// as template parameters, and turning either into a runtime value would
// mean re-deriving node capacity and rebalancing any already-built tree
// mid-lifetime. See DESIGN.md.
func Defaults() Tunables {
	return Tunables{
		DefaultPoolSize:     4 * 1024 * 1024,
		EphemeralRegionSize: 2 * 1024 * 1024,
	}
}

// Load reads tunables from path, overlaying them onto Defaults(). A
// missing file is not an error; it simply yields the defaults.
func Load(path string) (Tunables, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading tunables config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing tunables config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path in TOML form.
func Save(path string, cfg Tunables) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling tunables config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

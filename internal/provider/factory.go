package provider

import (
	"context"
	"fmt"

	"quotekeeper/internal/config"
	"quotekeeper/internal/qk"
)

// NewProviderFromConfig creates a Provider implementation based on the
// provider config type. Sealed providers are wrapped with sealer; opener may
// be nil if the passphrase was not supplied.
func NewProviderFromConfig(ctx context.Context, cfg config.ProviderConfig, sealer qk.Sealer, opener qk.Opener) (qk.Provider, error) {
	var p qk.Provider
	switch cfg.Type {
	case "memory":
		p = NewMemoryProvider(cfg.Name)
	case "s3":
		s3p, err := NewS3ProviderFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p = s3p
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem provider requires fs_root to be set")
		}
		fsp, err := NewFileSystemProvider(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		p = fsp
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}

	if cfg.Sealed {
		if sealer == nil {
			return nil, fmt.Errorf("provider %q is sealed but no encryption is configured", cfg.Name)
		}
		p = NewSealedProvider(p, sealer, opener)
	}
	return p, nil
}

// Set is the configured providers split by role.
type Set struct {
	Clouds    []qk.Provider
	Emergency qk.Provider
}

// NewSetFromConfig builds every configured provider, in config order.
func NewSetFromConfig(ctx context.Context, cfgs []config.ProviderConfig, sealer qk.Sealer, opener qk.Opener) (*Set, error) {
	set := &Set{}
	for _, cfg := range cfgs {
		p, err := NewProviderFromConfig(ctx, cfg, sealer, opener)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
		}
		if cfg.Role == qk.RoleEmergency {
			set.Emergency = p
		} else {
			set.Clouds = append(set.Clouds, p)
		}
	}
	return set, nil
}

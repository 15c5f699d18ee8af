package app

import (
	"errors"

	"pulse/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// With PULSE_REQUIRE_AUTH=true the server refuses to start without token key material,
// so a production deploy cannot silently fall back to trusting addUser.
func ValidateSecurityConfig(cfg Config, authCfg auth.Config) error {
	if !cfg.RequireAuth {
		return nil
	}
	if !authCfg.Enabled() {
		return errors.New("security policy: PULSE_REQUIRE_AUTH=true but no PASETO v4 key is configured")
	}
	if cfg.StoreKind() == StoreMemory && len(cfg.DevUsers) == 0 {
		return errors.New("security policy: PULSE_REQUIRE_AUTH=true with the in-memory store requires PULSE_DEV_USERS")
	}
	return nil
}

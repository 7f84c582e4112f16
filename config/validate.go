package config

import (
	"fmt"
	"strings"

	"beetroot/native/pool"
)

// Validate checks that every field the daemon needs parses and is
// internally consistent. It is called once at startup so later wiring can
// assume well-formed values.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	addresses := map[string]string{
		"Pool.Controller":        c.Pool.Controller,
		"Pool.Admin":             c.Pool.Admin,
		"Pool.StableTokenMaster": c.Pool.StableTokenMaster,
		"Pool.ShareTokenMaster":  c.Pool.ShareTokenMaster,
		"Pool.Router":            c.Pool.Router,
	}
	for field, value := range addresses {
		if _, err := ParseAddress(field, value); err != nil {
			return err
		}
	}
	if c.Pool.SharePriceBP < pool.PriceBasis {
		return fmt.Errorf("config: Pool.SharePriceBP %d below basis %d", c.Pool.SharePriceBP, pool.PriceBasis)
	}
	if _, err := ParseAmount("Pool.DepositFee", c.Pool.DepositFee); err != nil {
		return err
	}
	if _, err := ParseAmount("Pool.ForwardFee", c.Pool.ForwardFee); err != nil {
		return err
	}
	if _, err := ParseCodeHash("Pool.SubLedgerCodeHash", c.Pool.SubLedgerCodeHash); err != nil {
		return err
	}
	if _, err := ParseCodeHash("Pool.WalletCodeHash", c.Pool.WalletCodeHash); err != nil {
		return err
	}

	if len(c.Router.Targets) == 0 {
		return fmt.Errorf("config: Router.Targets must name at least one protocol")
	}
	names := make(map[string]struct{}, len(c.Router.Targets))
	for i, target := range c.Router.Targets {
		name := strings.TrimSpace(target.Name)
		if name == "" {
			return fmt.Errorf("config: Router.Targets[%d] missing Name", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("config: duplicate router target %q", name)
		}
		names[name] = struct{}{}
		if _, err := ParseAddress(fmt.Sprintf("Router.Targets[%d].Protocol", i), target.Protocol); err != nil {
			return err
		}
		if _, err := ParseAddress(fmt.Sprintf("Router.Targets[%d].TokenWallet", i), target.TokenWallet); err != nil {
			return err
		}
		// Router Init rejects zero-weight targets; catch it here so a bad
		// table fails at load instead of at wiring.
		if target.Weight == 0 {
			return fmt.Errorf("config: Router.Targets[%d] (%q) weight must be positive", i, name)
		}
	}

	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		return fmt.Errorf("config: Gateway.ListenAddress must be set")
	}
	return nil
}

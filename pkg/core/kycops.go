package core

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/order"
)

// KYC administration, restricted to the committee authority. The gate
// itself is enforced at order creation (see checkKyc).

func (e *Engine) EnableKyc(caller common.Address, minLevel uint8) error {
	return e.updateKyc(caller, func(c *order.KycConfig) {
		c.Enabled = true
		c.MinLevel = minLevel
	})
}

func (e *Engine) DisableKyc(caller common.Address) error {
	return e.updateKyc(caller, func(c *order.KycConfig) {
		c.Enabled = false
	})
}

func (e *Engine) SetKycMinLevel(caller common.Address, minLevel uint8) error {
	return e.updateKyc(caller, func(c *order.KycConfig) {
		c.MinLevel = minLevel
	})
}

func (e *Engine) updateKyc(caller common.Address, fn func(*order.KycConfig)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.committee {
		return ErrNotAuthorized
	}
	cfg, err := e.store.LoadKycConfig()
	if err != nil {
		return err
	}
	fn(cfg)
	cfg.UpdatedAt = e.height()
	if err := e.store.SaveKycConfig(cfg); err != nil {
		return err
	}
	e.log.Infow("kyc config updated", "enabled", cfg.Enabled, "minLevel", cfg.MinLevel)
	e.emit(EvKycUpdated, 0, map[string]interface{}{
		"enabled": cfg.Enabled, "minLevel": cfg.MinLevel,
	})
	return nil
}

func (e *Engine) ExemptFromKyc(caller, who common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.committee {
		return ErrNotAuthorized
	}
	if err := e.store.SetKycExempt(who); err != nil {
		return err
	}
	e.log.Infow("kyc exemption granted", "who", who.Hex())
	e.emit(EvKycUpdated, 0, map[string]interface{}{"exempt": who.Hex()})
	return nil
}

func (e *Engine) RemoveKycExemption(caller, who common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.committee {
		return ErrNotAuthorized
	}
	if err := e.store.ClearKycExempt(who); err != nil {
		return err
	}
	e.log.Infow("kyc exemption removed", "who", who.Hex())
	e.emit(EvKycUpdated, 0, map[string]interface{}{"unexempt": who.Hex()})
	return nil
}

// Package kyc gates order entry on an external identity registry.
package kyc

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/order"
)

var (
	ErrIdentityNotSet = fmt.Errorf("identity not set")
	ErrLevelTooLow    = fmt.Errorf("identity judgement level too low")
	ErrQualityIssue   = fmt.Errorf("identity has a quality issue")
)

// Identity is the external registry consulted by the gate. JudgementLevel
// returns (level, true) when the account has a judged identity.
type Identity interface {
	JudgementLevel(who common.Address) (uint8, bool)
	HasQualityIssue(who common.Address) bool
}

// Gate checks accounts against the persisted KYC configuration.
type Gate struct {
	id Identity
}

func New(id Identity) *Gate {
	return &Gate{id: id}
}

// Check enforces the gate for one account. A disabled gate or an exempt
// account always passes.
func (g *Gate) Check(cfg order.KycConfig, exempt bool, who common.Address) error {
	if !cfg.Enabled || exempt {
		return nil
	}
	if g.id == nil {
		return ErrIdentityNotSet
	}
	level, ok := g.id.JudgementLevel(who)
	if !ok {
		return ErrIdentityNotSet
	}
	if g.id.HasQualityIssue(who) {
		return ErrQualityIssue
	}
	if level < cfg.MinLevel {
		return fmt.Errorf("%w: have %d, need %d", ErrLevelTooLow, level, cfg.MinLevel)
	}
	return nil
}

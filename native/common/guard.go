package common

import "errors"

var (
	// ErrModulePaused rejects mutating operations while the module is paused
	// by the configuration authority.
	ErrModulePaused = errors.New("module paused")
	// ErrUnauthorized is the shared authorization failure returned whenever a
	// caller is not the principal an operation requires (authority, seller,
	// buyer, dispute party, or arbitrator).
	ErrUnauthorized = errors.New("unauthorized")
)

// Module names recognised by the pause switchboard.
const (
	ModuleRegistry    = "registry"
	ModuleEscrow      = "escrow"
	ModuleArbitration = "arbitration"
	ModuleBank        = "bank"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Package progress relays deployment progress to live consumers.
package progress

import (
	"fmt"
	"strings"
)

// Phase is a named deployment step.
type Phase string

const (
	PhaseInitializing       Phase = "initializing"
	PhaseGeneratingConfig   Phase = "generating_config"
	PhaseStartingContainers Phase = "starting_containers"
	PhaseInitializingStore  Phase = "initializing_store"
	PhaseIngesting          Phase = "ingesting"
	PhaseDeployingModules   Phase = "deploying_modules"
	PhaseVerifying          Phase = "verifying"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

var phaseOrder = []Phase{
	PhaseInitializing,
	PhaseGeneratingConfig,
	PhaseStartingContainers,
	PhaseInitializingStore,
	PhaseIngesting,
	PhaseDeployingModules,
	PhaseVerifying,
	PhaseCompleted,
}

var phasePercent = map[Phase]int{
	PhaseInitializing:       0,
	PhaseGeneratingConfig:   10,
	PhaseStartingContainers: 25,
	PhaseInitializingStore:  40,
	PhaseIngesting:          60,
	PhaseDeployingModules:   85,
	PhaseVerifying:          95,
	PhaseCompleted:          100,
}

// Phases returns the ordered non-failure phases.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Percent is the progress a phase represents. Failed has no percentage of
// its own; a failed deployment keeps the highest progress it reached.
func (p Phase) Percent() int {
	return phasePercent[p]
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) Valid() bool {
	_, ok := phasePercent[p]
	return ok || p == PhaseFailed
}

// ParsePhase accepts phase names case-insensitively, with '-' or ' ' for '_'.
func ParsePhase(s string) (Phase, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	p := Phase(norm)
	if !p.Valid() {
		return "", fmt.Errorf("unknown deployment phase %q", s)
	}
	return p, nil
}

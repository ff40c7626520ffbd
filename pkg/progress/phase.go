package progress

// Phase identifies one stage of a migration run's lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseExporting    Phase = "exporting"
	PhaseTransforming Phase = "transforming"
	PhaseValidating   Phase = "validating"
	PhaseImporting    Phase = "importing"
	PhaseVerifying    Phase = "verifying"
	PhaseRollingBack  Phase = "rolling_back"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// phaseTransitions lists the legal successor phases of each phase.
// Validating jumps straight to Completed on a dry run, Importing jumps
// straight to Completed when verification is disabled, and Failed may
// enter RollingBack when a rollback is attempted after the failure.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseInitializing},
	PhaseInitializing: {PhaseExporting, PhaseFailed},
	PhaseExporting:    {PhaseTransforming, PhaseFailed},
	PhaseTransforming: {PhaseValidating, PhaseFailed},
	PhaseValidating:   {PhaseImporting, PhaseCompleted, PhaseFailed},
	PhaseImporting:    {PhaseVerifying, PhaseCompleted, PhaseFailed},
	PhaseVerifying:    {PhaseCompleted, PhaseFailed},
	PhaseRollingBack:  {PhaseCompleted, PhaseFailed},
	PhaseFailed:       {PhaseRollingBack},
	PhaseCompleted:    nil,
}

// CanTransition reports whether a run in phase from may move to phase to.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends a run. Failed counts as
// terminal even though a rollback excursion may still follow it.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

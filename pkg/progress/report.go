package progress

import (
	"fmt"
	"time"
)

// DefaultSlowPhase is the phase duration above which the run report
// recommends a closer look, unless overridden with
// WithSlowPhaseThreshold.
const DefaultSlowPhase = 30 * time.Second

// warningRatioThreshold is the fraction of source rows carrying a
// transform warning above which the report flags the run.
const warningRatioThreshold = 0.05

// PhaseTiming records how long the run spent in one phase.
type PhaseTiming struct {
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// RunReport summarizes a finished (or abandoned) migration run: the
// phases it passed through, every recorded event and error, and
// operator-facing recommendations derived from what happened.
type RunReport struct {
	RunID           string        `json:"run_id"`
	Success         bool          `json:"success"`
	FinalPhase      Phase         `json:"final_phase"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Phases          []PhaseTiming `json:"phases"`
	Events          []Event       `json:"events"`
	Errors          []string      `json:"errors,omitempty"`
	WarningCount    int           `json:"warning_count"`
	RowCount        int64         `json:"row_count"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Report assembles the run report from everything the tracker has seen
// so far. It may be called at any time; the last phase is timed up to
// the current clock reading.
func (t *Tracker) Report() RunReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	rep := RunReport{
		RunID:        t.runID,
		Success:      t.phase == PhaseCompleted && len(t.errs) == 0,
		FinalPhase:   t.phase,
		StartedAt:    t.started,
		FinishedAt:   now,
		Events:       append([]Event(nil), t.events...),
		Errors:       append([]string(nil), t.errs...),
		WarningCount: t.warnings,
		RowCount:     t.rows,
	}

	sawRollback := false
	for i, change := range t.changes {
		end := now
		if i+1 < len(t.changes) {
			end = t.changes[i+1].at
		}
		if change.phase == PhaseRollingBack {
			sawRollback = true
		}
		rep.Phases = append(rep.Phases, PhaseTiming{
			Phase:      change.phase,
			StartedAt:  change.at,
			DurationMs: end.Sub(change.at).Milliseconds(),
		})
	}

	var recs []string
	seen := make(map[string]bool, len(t.recs))
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			recs = append(recs, r)
		}
	}
	for _, r := range t.recs {
		add(r)
	}

	for _, pt := range rep.Phases {
		if pt.Phase == PhaseIdle || pt.Phase.Terminal() {
			continue
		}
		if time.Duration(pt.DurationMs)*time.Millisecond >= t.slow {
			add(fmt.Sprintf("phase %s took %dms; check store connectivity and consider running the migration closer to the databases", pt.Phase, pt.DurationMs))
		}
	}
	if rep.RowCount > 0 && float64(rep.WarningCount)/float64(rep.RowCount) > warningRatioThreshold {
		add(fmt.Sprintf("%d of %d source rows produced transform warnings; review the warnings before trusting the migrated data", rep.WarningCount, rep.RowCount))
	}
	if sawRollback && rep.FinalPhase == PhaseFailed {
		add("rollback did not complete cleanly; inspect the destination store and restore from a backup if needed")
	}
	rep.Recommendations = recs
	return rep
}

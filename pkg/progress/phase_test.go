package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Phase }{
		{PhaseIdle, PhaseInitializing},
		{PhaseInitializing, PhaseExporting},
		{PhaseInitializing, PhaseFailed},
		{PhaseExporting, PhaseTransforming},
		{PhaseTransforming, PhaseValidating},
		{PhaseValidating, PhaseImporting},
		{PhaseValidating, PhaseCompleted},
		{PhaseValidating, PhaseFailed},
		{PhaseImporting, PhaseVerifying},
		{PhaseImporting, PhaseCompleted},
		{PhaseImporting, PhaseFailed},
		{PhaseVerifying, PhaseCompleted},
		{PhaseVerifying, PhaseFailed},
		{PhaseFailed, PhaseRollingBack},
		{PhaseRollingBack, PhaseCompleted},
		{PhaseRollingBack, PhaseFailed},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to Phase }{
		{PhaseIdle, PhaseExporting},
		{PhaseIdle, PhaseCompleted},
		{PhaseExporting, PhaseImporting},
		{PhaseImporting, PhaseExporting},
		{PhaseValidating, PhaseVerifying},
		{PhaseCompleted, PhaseInitializing},
		{PhaseCompleted, PhaseFailed},
		{PhaseFailed, PhaseImporting},
		{PhaseRollingBack, PhaseImporting},
		{Phase("bogus"), PhaseExporting},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseCompleted.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseIdle.Terminal())
	assert.False(t, PhaseImporting.Terminal())
	assert.False(t, PhaseRollingBack.Terminal())
}

func TestPhaseValid(t *testing.T) {
	assert.True(t, PhaseIdle.Valid())
	assert.True(t, PhaseRollingBack.Valid())
	assert.False(t, Phase("demolishing").Valid())
}

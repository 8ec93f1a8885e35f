package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScore_Dead(t *testing.T) {
	require.Equal(t, 0.0, Score(PhaseFull, 0, 0, 0))
	require.Equal(t, 0.0, Score(PhaseFull, -1, -1, -1))
}

func TestScore_Full(t *testing.T) {
	s := Score(PhaseFull, 10, 5, 5)
	require.Greater(t, s, 0.0)
	require.LessOrEqual(t, s, 100.0)
}

func TestScore_NativeTunnel(t *testing.T) {
	s := Score(PhaseNativeTunnel, 10, 5, 0)
	require.Greater(t, s, 0.0)
}

func TestScore_AliveNoSpeed(t *testing.T) {
	full := Score(PhaseFull, 100, 100, 5)
	aliveOnly := Score(PhaseAliveNoSpeed, 100, 100, 5)
	require.Less(t, aliveOnly, full)
}

func TestScore_Bounded(t *testing.T) {
	s := Score(PhaseFull, 1, 1, 1000)
	require.LessOrEqual(t, s, 100.0)
}

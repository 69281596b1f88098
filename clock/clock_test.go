package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	require := require.New(t)
	start := time.UnixMilli(1_700_000_000_000)
	c := NewManual(start)
	require.Equal(uint64(1_700_000_000_000), c.CurrentTimeMs())
	c.Advance(1500 * time.Millisecond)
	require.Equal(uint64(1_700_000_001_500), c.CurrentTimeMs())
	require.Equal(uint64(1_700_000_001), c.CurrentTimeSec())
}

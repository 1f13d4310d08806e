package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedEvent(t *testing.T) {
	e := New("scan-1", "DNS_RESOLVE", "seed", map[string]any{"host": "example.com"})
	require.NotEmpty(t, e.ID)
	assert.Equal(t, "scan-1", e.ScanID)
	assert.Equal(t, 0, e.Depth)
	assert.Empty(t, e.SourceEventID)
	assert.Equal(t, KindData, e.Kind)
}

func TestDeriveIncrementsDepthAndPreservesScan(t *testing.T) {
	seed := New("scan-1", "DNS_RESOLVE", "seed", nil)
	child := seed.Derive("IP_ADDRESS", "resolver_module", map[string]any{"ip": "1.2.3.4"})

	assert.Equal(t, seed.ID, child.SourceEventID)
	assert.Equal(t, seed.ScanID, child.ScanID)
	assert.Equal(t, seed.Depth+1, child.Depth)
	assert.NotEqual(t, seed.ID, child.ID)
}

func TestDeriveChainDepthAccumulates(t *testing.T) {
	e := New("scan-1", "SEED", "seed", nil)
	for i := 0; i < 5; i++ {
		e = e.Derive("DERIVED", "m", nil)
	}
	assert.Equal(t, 5, e.Depth)
}

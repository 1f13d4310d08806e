package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresConcreteValues(t *testing.T) {
	fp1 := Fingerprint(CategoryTransientNetwork, "dns.lookup", `dial tcp 10.0.0.1:443: i/o timeout at "2026-07-31T10:00:00Z"`)
	fp2 := Fingerprint(CategoryTransientNetwork, "dns.lookup", `dial tcp 192.168.1.9:443: i/o timeout at "2026-07-31T11:30:12Z"`)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintDiffersByCategoryOrLocation(t *testing.T) {
	fp1 := Fingerprint(CategoryTransientNetwork, "dns.lookup", "timeout")
	fp2 := Fingerprint(CategoryTimeout, "dns.lookup", "timeout")
	fp3 := Fingerprint(CategoryTransientNetwork, "http.fetch", "timeout")
	assert.NotEqual(t, fp1, fp2)
	assert.NotEqual(t, fp1, fp3)
}

func TestStoreGroupsByFingerprintAndCounts(t *testing.T) {
	s := NewStore()
	s.Record(CategoryTransientNetwork, "scan-1", "dns_module", "dns.lookup", "dial tcp 1.2.3.4:53: timeout", "")
	s.Record(CategoryTransientNetwork, "scan-1", "dns_module", "dns.lookup", "dial tcp 9.9.9.9:53: timeout", "")

	recs := s.Query(Filter{ScanID: "scan-1"})
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Count)
}

func TestQueryFiltersByModuleAndCategory(t *testing.T) {
	s := NewStore()
	s.Record(CategoryAuth, "scan-1", "whois_module", "whois.query", "401 unauthorized", "")
	s.Record(CategoryTimeout, "scan-1", "dns_module", "dns.lookup", "timeout", "")

	assert.Len(t, s.Query(Filter{Module: "whois_module"}), 1)
	assert.Len(t, s.Query(Filter{Category: CategoryTimeout}), 1)
	assert.Len(t, s.Query(Filter{ScanID: "scan-1"}), 2)
}

func TestAlertRuleFiresAtMostOncePerWindow(t *testing.T) {
	s := NewStore()
	var fired int
	s.AddRule(&AlertRule{
		Name:      "too-many-errors",
		Predicate: func(st *Store) bool { return len(st.Query(Filter{})) >= 2 },
		Callback:  func(string) { fired++ },
		Window:    time.Hour,
	})

	s.Record(CategoryInternal, "scan-1", "m", "loc", "boom", "")
	s.Record(CategoryInternal, "scan-1", "m2", "loc2", "boom2", "")
	s.Record(CategoryInternal, "scan-1", "m3", "loc3", "boom3", "")

	assert.Equal(t, 1, fired)
}

func TestRingBufferCapsAtConfiguredSize(t *testing.T) {
	s := NewStore()
	s.ringCap = 3
	for i := 0; i < 10; i++ {
		s.Record(CategoryInternal, "scan-1", "m", "loc", "boom", "")
	}
	assert.LessOrEqual(t, len(s.ring), 3)
}

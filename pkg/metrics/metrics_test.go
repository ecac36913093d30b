package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	SyncTotal.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(SyncTotal.WithLabelValues("ok")); got < 1 {
		t.Fatalf("sync_total not incremented: %v", got)
	}
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "groupsync_sync_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("groupsync_sync_total not exported")
	}
}

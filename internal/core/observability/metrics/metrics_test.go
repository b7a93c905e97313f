package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReplicationCounters(t *testing.T) {
	r := NewReplicationWith(prometheus.NewRegistry())

	r.Sent("unreliable", "broadcast", 20)
	r.Sent("unreliable", "broadcast", 10)
	r.Received("reliable_ordered", 7)
	r.Stale("DistributedTransform")
	r.SetAwaiting(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.MessagesSent.WithLabelValues("unreliable", "broadcast")))
	assert.Equal(t, 30.0, testutil.ToFloat64(r.BytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.MessagesReceived.WithLabelValues("reliable_ordered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StaleDropped.WithLabelValues("DistributedTransform")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.AwaitingMessages))
}

func TestNilReplicationIsSafe(t *testing.T) {
	var r *Replication
	assert.NotPanics(t, func() {
		r.Sent("unreliable", "unicast", 1)
		r.Received("unreliable", 1)
		r.Stale("x")
		r.ProtocolError("unknown_command")
		r.SetLiveObjects(2)
	})
	assert.Nil(t, r.Registry())
}

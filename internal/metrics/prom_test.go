package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	SetSessions(3)
	PendingAdded()
	FrameRouted("request")
	ObserveDispatch("demo", OutcomeOK, 100*time.Millisecond)
	ObserveDispatch("demo", OutcomeTimeout, time.Second)
	ObserveDispatch("demo", OutcomeRPCError, time.Millisecond)
	Rejected("unknown_server")

	if v := testutil.ToFloat64(connectionsOpen); v != 1 {
		t.Fatalf("connections: %v", v)
	}
	if v := testutil.ToFloat64(sessionsLive); v != 3 {
		t.Fatalf("sessions: %v", v)
	}
	if v := testutil.ToFloat64(pendingRequests); v != 1 {
		t.Fatalf("pending: %v", v)
	}
	if v := testutil.ToFloat64(framesRouted.WithLabelValues("request")); v != 1 {
		t.Fatalf("frames: %v", v)
	}
	if v := testutil.ToFloat64(dispatchTotal.WithLabelValues("demo", OutcomeOK)); v != 1 {
		t.Fatalf("dispatch ok: %v", v)
	}
	if v := testutil.ToFloat64(dispatchFailed.WithLabelValues("demo")); v != 1 {
		t.Fatalf("dispatch failed: %v", v)
	}
	if v := testutil.ToFloat64(rejections.WithLabelValues("unknown_server")); v != 1 {
		t.Fatalf("rejections: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}

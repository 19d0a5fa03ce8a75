package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/kernel/loopback"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

func TestServerMetrics(t *testing.T) {
	k := loopback.NewKernel(nil)
	reg := prometheus.NewRegistry()
	srv, err := Create(Options{
		Waiter:      k.NewWaiter(),
		Substrate:   k,
		Services:    k.ServiceManager(),
		MaxPorts:    2,
		MaxSessions: 2,
		Logger:      logger.NewNop(),
		Registerer:  reg,
	})
	require.NoError(t, err)

	fail := false
	require.NoError(t, srv.CreateService("metrics", FactoryFunc(func(*Server) (Object, error) {
		if fail {
			return nil, types.NewError(types.ErrCodeOutOfSessions, "refused")
		}
		return &stubObject{fn: func(_ *Message, id uint32) error {
			if id == 2 {
				return types.ErrCodeUnknownRequest
			}
			return nil
		}}, nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := k.Connect("metrics")
	require.NoError(t, err)
	require.NoError(t, srv.Pump(ctx))

	require.NoError(t, client.Send(loopback.Request{RequestID: 1}))
	require.NoError(t, srv.Pump(ctx))
	require.NoError(t, client.Send(loopback.Request{RequestID: 2}))
	require.NoError(t, srv.Pump(ctx))

	fail = true
	_, err = k.Connect("metrics")
	require.NoError(t, err)
	require.NoError(t, srv.Pump(ctx))

	m := srv.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsRejected.WithLabelValues(rejectReasonFactory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues(closeReasonDispatch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues(dispatchOutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues(dispatchOutcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activePorts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.factories))

	n, err := testutil.GatherAndCount(reg, "ipcserver_active_ports")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, srv.Destroy())
	n, err = testutil.GatherAndCount(reg, "ipcserver_active_ports")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "collectors are unregistered on destroy")
}

func TestMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := newMetrics(reg, "a")
	require.NoError(t, err)
	_, err = newMetrics(reg, "b")
	require.NoError(t, err, "distinct server labels do not collide")

	_, err = newMetrics(reg, "a")
	require.Error(t, err)

	a.unregister()
	_, err = newMetrics(reg, "a")
	require.NoError(t, err, "a failed registration rolls back cleanly")
}

// negativeFormat is an object whose responses can never be prepared
type negativeFormat struct {
	stubObject
}

func (negativeFormat) ResponseFormat(uint32, RequestFormat) ResponseFormat {
	return ResponseFormat{Objects: -1}
}

func TestFormatFailureMetricsMatchStats(t *testing.T) {
	k := loopback.NewKernel(nil)
	srv, err := Create(Options{
		Waiter:      k.NewWaiter(),
		Substrate:   k,
		Services:    k.ServiceManager(),
		MaxPorts:    1,
		MaxSessions: 1,
		Logger:      logger.NewNop(),
	})
	require.NoError(t, err)
	defer srv.Destroy()

	require.NoError(t, srv.CreateService("neg", FactoryFunc(func(*Server) (Object, error) {
		return &negativeFormat{}, nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := k.Connect("neg")
	require.NoError(t, err)
	require.NoError(t, srv.Pump(ctx))
	require.NoError(t, client.Send(loopback.Request{RequestID: 1}))
	require.NoError(t, srv.Pump(ctx))

	stats := srv.Stats()
	m := srv.metrics
	assert.Equal(t, uint64(1), stats.DispatchFailures)
	assert.Equal(t, float64(stats.DispatchFailures), testutil.ToFloat64(m.dispatches.WithLabelValues(dispatchOutcomeFailed)))
	assert.Equal(t, float64(stats.Dispatched), testutil.ToFloat64(m.dispatches.WithLabelValues(dispatchOutcomeFailed))+
		testutil.ToFloat64(m.dispatches.WithLabelValues(dispatchOutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues(closeReasonDispatch)))
}

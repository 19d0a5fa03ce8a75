package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/ipc"
	"github.com/billm/baaaht/ipcserver/pkg/kernel/loopback"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// session starts a server with the echo service and connects one client
func session(t *testing.T, f *Factory) (*ipc.Server, *loopback.ClientSession) {
	t.Helper()

	k := loopback.NewKernel(nil)
	srv, err := ipc.Create(ipc.Options{
		Waiter:      k.NewWaiter(),
		Substrate:   k,
		Services:    k.ServiceManager(),
		MaxPorts:    1,
		MaxSessions: 4,
		Logger:      logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Destroy() })

	require.NoError(t, srv.CreateService(ServiceName, f))
	client, err := k.Connect(ServiceName)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Pump(ctx))
	require.Equal(t, 1, srv.SessionCount())
	return srv, client
}

func roundTrip(t *testing.T, srv *ipc.Server, c *loopback.ClientSession, rq loopback.Request) (*loopback.Response, error) {
	t.Helper()
	require.NoError(t, c.Send(rq))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Pump(ctx))
	return c.Recv(ctx)
}

func TestResponseFormat(t *testing.T) {
	e := &Echo{}
	rq := ipc.RequestFormat{RawDataSize: 5, CopyHandles: 2}

	assert.Equal(t, ipc.ResponseFormat{RawDataSize: 5}, e.ResponseFormat(RequestEcho, rq))
	assert.Equal(t, ipc.ResponseFormat{RawDataSize: 8}, e.ResponseFormat(RequestPID, rq))
	assert.Equal(t, ipc.ResponseFormat{Objects: 1}, e.ResponseFormat(RequestChild, rq))
	assert.Equal(t, ipc.ResponseFormat{MoveHandles: 2}, e.ResponseFormat(RequestHandles, rq))
	assert.Equal(t, ipc.ResponseFormat{}, e.ResponseFormat(RequestFill, rq))
	assert.Equal(t, ipc.ResponseFormat{}, e.ResponseFormat(42, rq))
}

func TestEcho(t *testing.T) {
	f := NewFactory(nil, 0)
	srv, client := session(t, f)
	assert.Equal(t, 1, f.Created())
	assert.Equal(t, 1, f.Live())

	resp, err := roundTrip(t, srv, client, loopback.Request{RequestID: RequestEcho, RawData: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.RawData)

	resp, err = roundTrip(t, srv, client, loopback.Request{RequestID: RequestEcho})
	require.NoError(t, err)
	assert.Empty(t, resp.RawData)
}

func TestChildrenNest(t *testing.T) {
	f := NewFactory(nil, 0)
	srv, client := session(t, f)

	c := client
	for depth := 1; depth <= 3; depth++ {
		resp, err := roundTrip(t, srv, c, loopback.Request{RequestID: RequestChild})
		require.NoError(t, err)
		require.Len(t, resp.Objects, 1)
		c = resp.Objects[0]
	}
	assert.Equal(t, 4, f.Live())
	assert.Equal(t, 4, srv.SessionCount())

	resp, err := roundTrip(t, srv, c, loopback.Request{RequestID: RequestEcho, RawData: []byte("deep")})
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), resp.RawData)
}

func TestUnknownRequest(t *testing.T) {
	f := NewFactory(nil, 0)
	srv, client := session(t, f)

	_, err := roundTrip(t, srv, client, loopback.Request{RequestID: 1000})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeSessionClosed))
	assert.Equal(t, 0, f.Live())
	assert.Equal(t, uint64(1), srv.Stats().DispatchFailures)
}

func TestFactoryRelease(t *testing.T) {
	f := NewFactory(nil, 0)
	srv, _ := session(t, f)

	require.NoError(t, srv.Destroy())
	assert.True(t, f.Released())
	assert.Equal(t, 0, f.Live())

	_, err := f.NewObject(nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeServerClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := NewFactory(nil, 0)
	e, err := f.newEcho(2)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Depth())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 0, f.Live())
	assert.Equal(t, 1, f.Created())
}

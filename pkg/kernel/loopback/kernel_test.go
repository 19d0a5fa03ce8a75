package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

func requireCode(t *testing.T, err error, code types.ResultCode) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, types.IsErrCode(err, code), "got %v, want code %s", err, code)
}

func accept(t *testing.T, k *Kernel, port kernel.Handle) kernel.Handle {
	t.Helper()
	h, err := k.AcceptSession(port)
	require.NoError(t, err)
	return h
}

func TestServiceManager(t *testing.T) {
	k := NewKernel(nil)
	sm := k.ServiceManager()

	port, err := sm.RegisterService("srv", 4)
	require.NoError(t, err)
	assert.True(t, k.IsValid(port))
	assert.True(t, sm.Registered("srv"))

	_, err = sm.RegisterService("srv", 4)
	requireCode(t, err, types.ErrCodeSMAlreadyRegistered)

	_, err = sm.RegisterService("", 4)
	requireCode(t, err, types.ErrCodeSMInvalidName)
	_, err = sm.RegisterService("123456789", 4)
	requireCode(t, err, types.ErrCodeSMInvalidName)
	_, err = sm.RegisterService("zero", 0)
	requireCode(t, err, types.ErrCodeSMOutOfSessions)

	require.NoError(t, sm.UnregisterService("srv"))
	requireCode(t, sm.UnregisterService("srv"), types.ErrCodeSMNotRegistered)

	_, err = k.Connect("srv")
	requireCode(t, err, types.ErrCodeSMNotRegistered)
}

func TestConnectAndAccept(t *testing.T) {
	k := NewKernel(nil)
	port, err := k.ServiceManager().RegisterService("srv", 1)
	require.NoError(t, err)

	_, err = k.AcceptSession(port)
	requireCode(t, err, types.ErrCodeNotReady)

	client, err := k.Connect("srv")
	require.NoError(t, err)
	_, err = k.Connect("srv")
	requireCode(t, err, types.ErrCodeOutOfResources)

	server := accept(t, k, port)
	_, err = k.Receive(server, nil)
	requireCode(t, err, types.ErrCodeNotReady)

	require.NoError(t, client.Close())
	_, err = k.Receive(server, nil)
	requireCode(t, err, types.ErrCodeSessionClosed)

	require.NoError(t, k.CloseHandle(server))
	_, err = k.Connect("srv")
	require.NoError(t, err, "closing both ends frees the session slot")
}

func TestRequestReply(t *testing.T) {
	k := NewKernel(nil)
	port, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)

	client, err := k.ConnectAs("srv", 99)
	require.NoError(t, err)
	server := accept(t, k, port)

	payload := []byte("ping")
	require.NoError(t, client.Send(Request{RequestID: 3, RawData: payload}))
	payload[0] = 'X'

	m, err := k.Receive(server, nil)
	require.NoError(t, err)
	assert.Equal(t, kernel.MessageRequest, m.Type)
	assert.Equal(t, uint32(3), m.RequestID)
	assert.Equal(t, uint64(99), m.PID)
	assert.Equal(t, []byte("ping"), m.RawData, "frames do not share memory with the sender")

	require.NoError(t, k.Reply(server, &kernel.Reply{RawData: []byte("pong")}))
	requireCode(t, k.Reply(server, &kernel.Reply{}), types.ErrCodeInvalidArgument)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp.RawData)

	require.NoError(t, k.CloseHandle(server))
	assert.True(t, client.Closed())
	_, err = client.Recv(ctx)
	requireCode(t, err, types.ErrCodeSessionClosed)
	requireCode(t, client.Send(Request{}), types.ErrCodeSessionClosed)
}

func TestRecvHonorsContext(t *testing.T) {
	k := NewKernel(nil)
	_, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)
	client, err := k.Connect("srv")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleTransferOnSend(t *testing.T) {
	k := NewKernel(nil)
	port, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)
	client, err := k.Connect("srv")
	require.NoError(t, err)
	server := accept(t, k, port)

	copied, moved := k.CreateEvent(), k.CreateEvent()
	before := k.HandleCount()

	require.NoError(t, client.Send(Request{
		CopyHandles: []kernel.Handle{copied},
		MoveHandles: []kernel.Handle{moved},
	}))
	assert.True(t, k.IsValid(copied))
	assert.False(t, k.IsValid(moved))
	assert.Equal(t, before+1, k.HandleCount(), "one duplicate, one transfer")

	m, err := k.Receive(server, nil)
	require.NoError(t, err)
	require.Len(t, m.CopyHandles, 1)
	require.Len(t, m.MoveHandles, 1)
	assert.True(t, k.IsValid(m.CopyHandles[0]))
	assert.True(t, k.IsValid(m.MoveHandles[0]))
	assert.NotEqual(t, copied, m.CopyHandles[0])

	// Closing the duplicate leaves the original open
	require.NoError(t, k.CloseHandle(m.CopyHandles[0]))
	assert.True(t, k.IsValid(copied))
}

func TestSendRejectsBadHandles(t *testing.T) {
	k := NewKernel(nil)
	_, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)
	client, err := k.Connect("srv")
	require.NoError(t, err)

	ev := k.CreateEvent()
	before := k.HandleCount()

	requireCode(t, client.Send(Request{CopyHandles: []kernel.Handle{ev, 0x777}}), types.ErrCodeInvalidHandle)
	requireCode(t, client.Send(Request{MoveHandles: []kernel.Handle{ev, ev}}), types.ErrCodeInvalidHandle)
	assert.True(t, k.IsValid(ev), "a rejected send transfers nothing")
	assert.Equal(t, before, k.HandleCount())
}

func TestPointerBuffers(t *testing.T) {
	k := NewKernel(nil)
	port, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)
	client, err := k.Connect("srv")
	require.NoError(t, err)
	server := accept(t, k, port)

	require.NoError(t, client.Send(Request{Buffers: []kernel.BufferDescriptor{
		{Size: 2, Mode: kernel.BufferPointer, Data: []byte("ab")},
		{Size: 3, Mode: kernel.BufferSend, Data: []byte("xyz")},
		{Size: 3, Mode: kernel.BufferPointer, Data: []byte("cde")},
	}}))

	scratch := make([]byte, 8)
	m, err := k.Receive(server, scratch)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), scratch[:5])
	assert.Equal(t, []byte("cde"), m.Buffers[2].Data)
	assert.Equal(t, []byte("xyz"), m.Buffers[1].Data)

	require.NoError(t, k.Reply(server, &kernel.Reply{}))
	require.NoError(t, client.Send(Request{Buffers: []kernel.BufferDescriptor{
		{Size: 16, Mode: kernel.BufferPointer, Data: make([]byte, 16)},
	}}))
	_, err = k.Receive(server, scratch)
	requireCode(t, err, types.ErrCodeOutOfResources)
}

func TestDroppedFramesCloseTheirHandles(t *testing.T) {
	k := NewKernel(nil)
	port, err := k.ServiceManager().RegisterService("srv", 4)
	require.NoError(t, err)

	t.Run("unread request", func(t *testing.T) {
		client, err := k.Connect("srv")
		require.NoError(t, err)
		server := accept(t, k, port)
		ev := k.CreateEvent()
		before := k.HandleCount()

		require.NoError(t, client.Send(Request{CopyHandles: []kernel.Handle{ev}}))
		require.NoError(t, k.CloseHandle(server))
		assert.Equal(t, before-1, k.HandleCount(), "server end and the in-flight duplicate")
		assert.True(t, k.IsValid(ev))
	})

	t.Run("unread reply", func(t *testing.T) {
		client, err := k.Connect("srv")
		require.NoError(t, err)
		server := accept(t, k, port)
		ev := k.CreateEvent()

		require.NoError(t, client.Send(Request{}))
		_, err = k.Receive(server, nil)
		require.NoError(t, err)
		before := k.HandleCount()
		require.NoError(t, k.Reply(server, &kernel.Reply{MoveHandles: []kernel.Handle{ev}}))
		assert.Equal(t, before, k.HandleCount())

		require.NoError(t, client.Close())
		assert.Equal(t, before-2, k.HandleCount(), "client end and the in-flight moved handle")
	})

	t.Run("pointer overflow", func(t *testing.T) {
		client, err := k.Connect("srv")
		require.NoError(t, err)
		server := accept(t, k, port)
		ev := k.CreateEvent()
		before := k.HandleCount()

		require.NoError(t, client.Send(Request{
			CopyHandles: []kernel.Handle{ev},
			Buffers:     []kernel.BufferDescriptor{{Size: 16, Mode: kernel.BufferPointer, Data: make([]byte, 16)}},
		}))
		_, err = k.Receive(server, make([]byte, 8))
		requireCode(t, err, types.ErrCodeOutOfResources)
		assert.Equal(t, before, k.HandleCount())
	})
}

func TestCreateSessionPair(t *testing.T) {
	k := NewKernel(nil)
	server, client, err := k.CreateSession()
	require.NoError(t, err)

	w := k.NewWaiter()
	require.NoError(t, w.Add(server))
	requireCode(t, w.Add(client), types.ErrCodeInvalidHandle)

	require.NoError(t, k.CloseHandle(client))
	assert.Equal(t, server, w.Poll())
}

func TestServerObject(t *testing.T) {
	k := NewKernel(nil)

	_, err := k.CreateServer(kernel.ServerLimits{MaxPorts: 0, MaxSessions: 1})
	requireCode(t, err, types.ErrCodeInvalidArgument)

	h, err := k.CreateServer(kernel.ServerLimits{MaxPorts: 1, MaxSessions: 1})
	require.NoError(t, err)

	ev := k.CreateEvent()
	requireCode(t, k.DestroyServer(ev), types.ErrCodeInvalidHandle)

	require.NoError(t, k.DestroyServer(h))
	requireCode(t, k.DestroyServer(h), types.ErrCodeInvalidHandle)
	requireCode(t, k.CloseHandle(h), types.ErrCodeInvalidHandle)
}

func TestClosedPortRejectsConnections(t *testing.T) {
	k := NewKernel(nil)
	port := k.CreatePort(4)

	pending, err := k.ConnectPort(port)
	require.NoError(t, err)
	require.NoError(t, k.CloseHandle(port))

	assert.True(t, pending.Closed(), "pending connections see the port go away")
	_, err = k.ConnectPort(port)
	requireCode(t, err, types.ErrCodeInvalidHandle)
}

func TestWaiterOrdersByEvent(t *testing.T) {
	k := NewKernel(nil)
	portA := k.CreatePort(4)
	portB := k.CreatePort(4)

	w := k.NewWaiter()
	require.NoError(t, w.Add(portA))
	require.NoError(t, w.Add(portB))
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, kernel.InvalidHandle, w.Poll())

	_, err := k.ConnectPort(portB)
	require.NoError(t, err)
	_, err = k.ConnectPort(portA)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, portB, h, "the older connection wins")

	accept(t, k, portB)
	h, err = w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, portA, h)

	w.Remove(portA)
	assert.Equal(t, kernel.InvalidHandle, w.Poll())
}

func TestWaiterWakesOnEvent(t *testing.T) {
	k := NewKernel(nil)
	port := k.CreatePort(4)
	w := k.NewWaiter()
	require.NoError(t, w.Add(port))

	done := make(chan kernel.Handle, 1)
	go func() {
		h, _ := w.Wait(context.Background())
		done <- h
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := k.ConnectPort(port)
	require.NoError(t, err)

	select {
	case h := <-done:
		assert.Equal(t, port, h)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake up")
	}
}

package loopback

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/ipcserver/pkg/codec"
	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// DefaultPID is the process id reported for clients created by Connect
const DefaultPID uint64 = 0x51

// Request is what a client sends on a session
type Request struct {
	RequestID   uint32
	RawData     []byte
	Buffers     []kernel.BufferDescriptor
	CopyHandles []kernel.Handle
	MoveHandles []kernel.Handle
}

// Response is what a client receives for a request
type Response struct {
	RawData     []byte
	CopyHandles []kernel.Handle
	MoveHandles []kernel.Handle
	Objects     []*ClientSession
	Buffers     [][]byte
}

// ClientSession is the client end of a session
type ClientSession struct {
	k      *Kernel
	handle kernel.Handle
	pid    uint64
}

// Connect opens a session to a registered service
func (k *Kernel) Connect(name string) (*ClientSession, error) {
	return k.ConnectAs(name, DefaultPID)
}

// ConnectAs opens a session to a registered service, reporting pid as the
// sender of every request
func (k *Kernel) ConnectAs(name string, pid uint64) (*ClientSession, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.services[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeSMNotRegistered, fmt.Sprintf("service %q is not registered", name))
	}
	return k.connectLocked(p, pid)
}

// ConnectPort opens a session to a port created with CreatePort
func (k *Kernel) ConnectPort(portHandle kernel.Handle) (*ClientSession, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, err := k.lookupLocked(portHandle)
	if err != nil {
		return nil, err
	}
	p, ok := r.obj.(*portObject)
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not a port", portHandle))
	}
	return k.connectLocked(p, DefaultPID)
}

func (k *Kernel) connectLocked(p *portObject, pid uint64) (*ClientSession, error) {
	if p.closed {
		return nil, types.NewError(types.ErrCodeSessionClosed, "port is closed")
	}
	if p.active+uint32(len(p.pending)) >= p.maxSessions {
		return nil, types.NewError(types.ErrCodeOutOfResources,
			fmt.Sprintf("port session limit reached (%d)", p.maxSessions))
	}

	pp := &pipe{port: p, pid: pid, connectSeq: k.nextSeq()}
	p.pending = append(p.pending, pp)
	h := k.allocLocked(&ref{obj: pp, end: endClient})
	k.notifyLocked()
	return &ClientSession{k: k, handle: h, pid: pid}, nil
}

// Handle returns the client end handle
func (c *ClientSession) Handle() kernel.Handle {
	return c.handle
}

// Closed returns true if the server closed its end
func (c *ClientSession) Closed() bool {
	c.k.mu.Lock()
	defer c.k.mu.Unlock()
	p, err := c.k.pipeEndLocked(c.handle, endClient)
	if err != nil {
		return true
	}
	return p.serverClosed
}

// Send queues a request. Copy handles are duplicated for the server and
// move handles are no longer valid for the caller afterwards.
func (c *ClientSession) Send(rq Request) error {
	return c.send(kernel.Message{
		Type:      kernel.MessageRequest,
		RequestID: rq.RequestID,
		RawData:   rq.RawData,
		Buffers:   rq.Buffers,
	}, rq.CopyHandles, rq.MoveHandles)
}

// SendClose asks the server to close the session
func (c *ClientSession) SendClose() error {
	return c.send(kernel.Message{Type: kernel.MessageClose}, nil, nil)
}

func (c *ClientSession) send(m kernel.Message, copyHandles, moveHandles []kernel.Handle) error {
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.pipeEndLocked(c.handle, endClient)
	if err != nil {
		return err
	}
	if p.serverClosed {
		return types.NewError(types.ErrCodeSessionClosed, "server closed the session")
	}

	copied, moved, err := k.transferLocked(copyHandles, moveHandles)
	if err != nil {
		return err
	}
	m.PID = c.pid
	m.CopyHandles, m.MoveHandles = copied, moved

	data, err := codec.Marshal(&m)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode request frame", err)
	}
	handles := make([]kernel.Handle, 0, len(copied)+len(moved))
	handles = append(handles, copied...)
	handles = append(handles, moved...)
	p.requests = append(p.requests, frame{seq: k.nextSeq(), data: data, handles: handles})
	k.notifyLocked()
	return nil
}

// Recv waits for the next reply. It fails with ErrCodeSessionClosed once
// the server has closed the session and no reply is left.
func (c *ClientSession) Recv(ctx context.Context) (*Response, error) {
	k := c.k
	for {
		k.mu.Lock()
		p, err := k.pipeEndLocked(c.handle, endClient)
		if err != nil {
			k.mu.Unlock()
			return nil, err
		}
		if len(p.replies) > 0 {
			data := p.replies[0].data
			p.replies = p.replies[1:]
			k.mu.Unlock()
			return c.decode(data)
		}
		if p.serverClosed {
			k.mu.Unlock()
			return nil, types.NewError(types.ErrCodeSessionClosed, "server closed the session")
		}
		changed := k.changed
		k.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (c *ClientSession) decode(data []byte) (*Response, error) {
	var r kernel.Reply
	if err := codec.Unmarshal(data, &r); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to decode reply frame", err)
	}
	rs := &Response{
		RawData:     r.RawData,
		CopyHandles: r.CopyHandles,
		MoveHandles: r.MoveHandles,
		Buffers:     r.Buffers,
	}
	for _, h := range r.Objects {
		rs.Objects = append(rs.Objects, &ClientSession{k: c.k, handle: h, pid: c.pid})
	}
	return rs, nil
}

// Call sends a request and waits for its reply
func (c *ClientSession) Call(ctx context.Context, rq Request) (*Response, error) {
	if err := c.Send(rq); err != nil {
		return nil, err
	}
	return c.Recv(ctx)
}

// Close closes the client end
func (c *ClientSession) Close() error {
	return c.k.CloseHandle(c.handle)
}

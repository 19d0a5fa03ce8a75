// Package loopback is an in-process implementation of the kernel
// contracts. Client and server share one handle table; every message is
// encoded to a CBOR frame on send and decoded on receive so no memory is
// shared across the session boundary.
package loopback

import (
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/codec"
	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

var _ kernel.Substrate = (*Kernel)(nil)

const (
	endServer = iota
	endClient
)

// kobject is anything a handle can refer to. release runs when the last
// handle to one end of the object is closed.
type kobject interface {
	release(k *Kernel, end int)
}

type ref struct {
	obj  kobject
	end  int
	refs int
}

type event struct{}

func (*event) release(*Kernel, int) {}

type serverObject struct {
	limits kernel.ServerLimits
}

func (*serverObject) release(*Kernel, int) {}

type portObject struct {
	name        string
	maxSessions uint32
	pending     []*pipe
	active      uint32
	closed      bool
}

func (p *portObject) release(k *Kernel, _ int) {
	p.closed = true
	for _, pp := range p.pending {
		pp.serverClosed = true
		dropped := pp.requests
		pp.requests = nil
		k.discardLocked(dropped)
	}
	p.pending = nil
}

type frame struct {
	seq  uint64
	data []byte
	// handles travelling with the frame, already in the receiver's table
	handles []kernel.Handle
}

// pipe is one session. Requests flow client to server, replies server to
// client.
type pipe struct {
	port     *portObject
	accepted bool
	pid      uint64

	connectSeq uint64
	closeSeq   uint64
	requests   []frame
	replies    []frame
	awaiting   bool

	serverClosed bool
	clientClosed bool
}

func (p *pipe) release(k *Kernel, end int) {
	if end == endServer {
		p.serverClosed = true
		dropped := p.requests
		p.requests = nil
		k.discardLocked(dropped)
		if p.port != nil && p.accepted {
			p.port.active--
		}
		return
	}
	p.clientClosed = true
	p.closeSeq = k.nextSeq()
	dropped := p.replies
	p.replies = nil
	k.discardLocked(dropped)
}

// Kernel is the loopback substrate. It is safe for concurrent use; the
// server side and any number of clients may run on different goroutines.
type Kernel struct {
	mu       sync.Mutex
	changed  chan struct{}
	next     kernel.Handle
	seq      uint64
	handles  map[kernel.Handle]*ref
	services map[string]*portObject
	sm       *ServiceManager
	logger   *logger.Logger
}

// NewKernel creates an empty kernel. A nil logger discards output.
func NewKernel(log *logger.Logger) *Kernel {
	if log == nil {
		log = logger.NewNop()
	}
	k := &Kernel{
		changed:  make(chan struct{}),
		handles:  make(map[kernel.Handle]*ref),
		services: make(map[string]*portObject),
		logger:   log.With("component", "loopback_kernel"),
	}
	k.sm = &ServiceManager{k: k}
	return k
}

func (k *Kernel) nextSeq() uint64 {
	k.seq++
	return k.seq
}

// notifyLocked wakes every goroutine blocked on a state change
func (k *Kernel) notifyLocked() {
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Kernel) allocLocked(r *ref) kernel.Handle {
	k.next++
	h := k.next
	k.handles[h] = r
	r.refs++
	return h
}

func (k *Kernel) lookupLocked(h kernel.Handle) (*ref, error) {
	r, ok := k.handles[h]
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not open", h))
	}
	return r, nil
}

func (k *Kernel) pipeEndLocked(h kernel.Handle, end int) (*pipe, error) {
	r, err := k.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	p, ok := r.obj.(*pipe)
	if !ok || r.end != end {
		return nil, types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not a session", h))
	}
	return p, nil
}

func (k *Kernel) closeLocked(h kernel.Handle) error {
	r, err := k.lookupLocked(h)
	if err != nil {
		return err
	}
	delete(k.handles, h)
	r.refs--
	if r.refs == 0 {
		r.obj.release(k, r.end)
	}
	k.notifyLocked()
	return nil
}

// discardLocked closes the handles carried by frames that will never be
// read
func (k *Kernel) discardLocked(frames []frame) {
	for _, f := range frames {
		for _, h := range f.handles {
			_ = k.closeLocked(h)
		}
	}
}

// transferLocked duplicates copy handles and moves move handles. Every
// handle is validated before any is touched.
func (k *Kernel) transferLocked(copyHandles, moveHandles []kernel.Handle) ([]kernel.Handle, []kernel.Handle, error) {
	seen := make(map[kernel.Handle]bool, len(moveHandles))
	for _, h := range copyHandles {
		if _, err := k.lookupLocked(h); err != nil {
			return nil, nil, err
		}
	}
	for _, h := range moveHandles {
		if _, err := k.lookupLocked(h); err != nil {
			return nil, nil, err
		}
		if seen[h] {
			return nil, nil, types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s moved twice", h))
		}
		seen[h] = true
	}

	var copied, moved []kernel.Handle
	for _, h := range copyHandles {
		copied = append(copied, k.allocLocked(k.handles[h]))
	}
	for _, h := range moveHandles {
		r := k.handles[h]
		delete(k.handles, h)
		r.refs--
		moved = append(moved, k.allocLocked(r))
	}
	return copied, moved, nil
}

// CreateEvent returns a handle to an object with no behaviour, useful as
// a handle payload
func (k *Kernel) CreateEvent() kernel.Handle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allocLocked(&ref{obj: &event{}})
}

// IsValid returns true if h is open
func (k *Kernel) IsValid(h kernel.Handle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.handles[h]
	return ok
}

// HandleCount returns the number of open handles
func (k *Kernel) HandleCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.handles)
}

// CreatePort creates an unnamed port. Clients reach it with ConnectPort.
func (k *Kernel) CreatePort(maxSessions uint32) kernel.Handle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allocLocked(&ref{obj: &portObject{maxSessions: maxSessions}})
}

// CreateServer implements kernel.Substrate
func (k *Kernel) CreateServer(limits kernel.ServerLimits) (kernel.Handle, error) {
	if limits.MaxPorts == 0 || limits.MaxSessions == 0 || limits.PointerBufferSize < 0 {
		return kernel.InvalidHandle, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid server limits %+v", limits))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	h := k.allocLocked(&ref{obj: &serverObject{limits: limits}})
	k.logger.Debug("Server object created", "handle", h.String())
	return h, nil
}

// DestroyServer implements kernel.Substrate
func (k *Kernel) DestroyServer(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, err := k.lookupLocked(h)
	if err != nil {
		return err
	}
	if _, ok := r.obj.(*serverObject); !ok {
		return types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not a server", h))
	}
	return k.closeLocked(h)
}

// AcceptSession implements kernel.Substrate
func (k *Kernel) AcceptSession(portHandle kernel.Handle) (kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, err := k.lookupLocked(portHandle)
	if err != nil {
		return kernel.InvalidHandle, err
	}
	p, ok := r.obj.(*portObject)
	if !ok {
		return kernel.InvalidHandle, types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s is not a port", portHandle))
	}
	if len(p.pending) == 0 {
		return kernel.InvalidHandle, types.NewError(types.ErrCodeNotReady, "no pending connection")
	}

	pp := p.pending[0]
	p.pending = p.pending[1:]
	pp.accepted = true
	p.active++
	return k.allocLocked(&ref{obj: pp, end: endServer}), nil
}

// CreateSession implements kernel.Substrate
func (k *Kernel) CreateSession() (kernel.Handle, kernel.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pp := &pipe{}
	server := k.allocLocked(&ref{obj: pp, end: endServer})
	client := k.allocLocked(&ref{obj: pp, end: endClient})
	return server, client, nil
}

// Receive implements kernel.Substrate. Pointer buffers are copied into
// pointerBuffer back to back; Data of each pointer descriptor aliases
// pointerBuffer afterwards.
func (k *Kernel) Receive(session kernel.Handle, pointerBuffer []byte) (*kernel.Message, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.pipeEndLocked(session, endServer)
	if err != nil {
		return nil, err
	}

	if len(p.requests) == 0 {
		if p.clientClosed {
			return nil, types.NewError(types.ErrCodeSessionClosed, "client closed the session")
		}
		return nil, types.NewError(types.ErrCodeNotReady, "no pending request")
	}

	f := p.requests[0]
	p.requests = p.requests[1:]

	var m kernel.Message
	if err := codec.Unmarshal(f.data, &m); err != nil {
		k.discardLocked([]frame{f})
		return nil, types.WrapError(types.ErrCodeInternal, "failed to decode request frame", err)
	}

	offset := 0
	for i := range m.Buffers {
		b := &m.Buffers[i]
		if b.Mode != kernel.BufferPointer {
			continue
		}
		if offset+len(b.Data) > len(pointerBuffer) {
			k.discardLocked([]frame{f})
			return nil, types.NewError(types.ErrCodeOutOfResources,
				fmt.Sprintf("pointer data needs %d bytes, buffer has %d", offset+len(b.Data), len(pointerBuffer)))
		}
		n := copy(pointerBuffer[offset:], b.Data)
		b.Data = pointerBuffer[offset : offset+n]
		offset += n
	}

	p.awaiting = m.Type == kernel.MessageRequest
	return &m, nil
}

// Reply implements kernel.Substrate
func (k *Kernel) Reply(session kernel.Handle, reply *kernel.Reply) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.pipeEndLocked(session, endServer)
	if err != nil {
		return err
	}
	if !p.awaiting {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("session %s has no request awaiting a reply", session))
	}
	p.awaiting = false
	if p.clientClosed {
		return types.NewError(types.ErrCodeSessionClosed, "client closed the session")
	}

	copied, moved, err := k.transferLocked(reply.CopyHandles, reply.MoveHandles)
	if err != nil {
		return err
	}
	out := *reply
	out.CopyHandles, out.MoveHandles = copied, moved

	data, err := codec.Marshal(&out)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode reply frame", err)
	}
	handles := make([]kernel.Handle, 0, len(copied)+len(moved)+len(reply.Objects))
	handles = append(handles, copied...)
	handles = append(handles, moved...)
	handles = append(handles, reply.Objects...)
	p.replies = append(p.replies, frame{data: data, handles: handles})
	k.notifyLocked()
	return nil
}

// CloseHandle implements kernel.Substrate
func (k *Kernel) CloseHandle(h kernel.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closeLocked(h)
}

// readySeqLocked reports whether h has work for the server side and the
// sequence number of the oldest event on it
func (k *Kernel) readySeqLocked(h kernel.Handle) (uint64, bool) {
	r, ok := k.handles[h]
	if !ok {
		return 0, false
	}
	switch o := r.obj.(type) {
	case *portObject:
		if len(o.pending) > 0 {
			return o.pending[0].connectSeq, true
		}
	case *pipe:
		if r.end != endServer {
			return 0, false
		}
		if len(o.requests) > 0 {
			return o.requests[0].seq, true
		}
		if o.clientClosed {
			return o.closeSeq, true
		}
	}
	return 0, false
}

// waitableLocked accepts ports and server session ends
func (k *Kernel) waitableLocked(h kernel.Handle) error {
	r, err := k.lookupLocked(h)
	if err != nil {
		return err
	}
	switch r.obj.(type) {
	case *portObject:
		return nil
	case *pipe:
		if r.end == endServer {
			return nil
		}
	}
	return types.NewError(types.ErrCodeInvalidHandle, fmt.Sprintf("handle %s cannot be waited on", h))
}

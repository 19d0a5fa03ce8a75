// Package kernel defines the contracts the IPC server consumes from the
// kernel message-passing substrate, the readiness multiplexer and the
// service directory. Implementations live elsewhere; pkg/kernel/loopback
// provides an in-process one.
package kernel

import (
	"context"
	"fmt"
)

// Handle is an opaque reference to a kernel object
type Handle uint32

// InvalidHandle is never returned for a live object
const InvalidHandle Handle = 0

// IsValid returns true if the handle is not InvalidHandle
func (h Handle) IsValid() bool {
	return h != InvalidHandle
}

// String returns the handle in hex
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uint32(h))
}

// BufferMode is the access mode of an out-of-line buffer
type BufferMode uint8

const (
	// BufferSend is read by the server (type A)
	BufferSend BufferMode = iota
	// BufferReceive is written by the server (type B)
	BufferReceive
	// BufferExchange is read and written by the server (type W)
	BufferExchange
	// BufferPointer is copied into the server's pointer buffer (type X)
	BufferPointer
)

// String returns the name of the mode
func (m BufferMode) String() string {
	switch m {
	case BufferSend:
		return "send"
	case BufferReceive:
		return "receive"
	case BufferExchange:
		return "exchange"
	case BufferPointer:
		return "pointer"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Writable returns true if the server may write into the buffer
func (m BufferMode) Writable() bool {
	return m == BufferReceive || m == BufferExchange
}

// BufferDescriptor describes an out-of-line memory region attached to a
// request. Data is the server-side view of the mapping.
type BufferDescriptor struct {
	Address uint64     `cbor:"addr"`
	Size    uint64     `cbor:"size"`
	Mode    BufferMode `cbor:"mode"`
	Data    []byte     `cbor:"data,omitempty"`
}

// MessageType distinguishes requests from session control messages
type MessageType uint8

const (
	// MessageRequest carries a request for the session's object
	MessageRequest MessageType = iota
	// MessageClose is sent by a client closing its end politely
	MessageClose
)

// Message is one request as received from the substrate
type Message struct {
	Type        MessageType        `cbor:"type"`
	RequestID   uint32             `cbor:"rqid"`
	PID         uint64             `cbor:"pid"`
	RawData     []byte             `cbor:"raw"`
	Buffers     []BufferDescriptor `cbor:"buffers,omitempty"`
	CopyHandles []Handle           `cbor:"copy,omitempty"`
	MoveHandles []Handle           `cbor:"move,omitempty"`
}

// Reply is one response handed to the substrate. Objects holds client-side
// session handles for objects created by the call. Buffers holds the final
// contents of the request's writable buffers, in request order.
type Reply struct {
	RawData     []byte   `cbor:"raw"`
	CopyHandles []Handle `cbor:"copy,omitempty"`
	MoveHandles []Handle `cbor:"move,omitempty"`
	Objects     []Handle `cbor:"objects,omitempty"`
	Buffers     [][]byte `cbor:"buffers,omitempty"`
}

// ServerLimits sizes a substrate server object
type ServerLimits struct {
	MaxPorts          uint32
	MaxSessions       uint32
	PointerBufferSize int
}

// Substrate is the kernel message-passing interface used by the server
type Substrate interface {
	// CreateServer allocates a server object sized by limits
	CreateServer(limits ServerLimits) (Handle, error)
	// DestroyServer releases a server object created by CreateServer
	DestroyServer(server Handle) error
	// AcceptSession accepts one pending connection on a port
	AcceptSession(port Handle) (Handle, error)
	// CreateSession creates a connected session pair
	CreateSession() (server Handle, client Handle, err error)
	// Receive reads the next message on a session. Pointer buffers are
	// copied into pointerBuffer. A session whose peer is gone reports an
	// error carrying ErrCodeSessionClosed.
	Receive(session Handle, pointerBuffer []byte) (*Message, error)
	// Reply answers the message last received on a session
	Reply(session Handle, reply *Reply) error
	// CloseHandle closes any handle
	CloseHandle(h Handle) error
}

// Waiter multiplexes readiness over a dynamic set of handles
type Waiter interface {
	// Add starts tracking a handle
	Add(h Handle) error
	// Remove stops tracking a handle; unknown handles are ignored
	Remove(h Handle)
	// Wait blocks until a tracked handle is ready and returns it
	Wait(ctx context.Context) (Handle, error)
}

// ServiceManager is the named-service directory
type ServiceManager interface {
	// RegisterService publishes name and returns the server end of its port
	RegisterService(name string, maxSessions uint32) (Handle, error)
	// UnregisterService removes a published name
	UnregisterService(name string) error
}

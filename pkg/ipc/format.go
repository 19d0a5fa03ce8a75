package ipc

import (
	"fmt"

	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// RequestFormat declares the shape of the request side of a transaction
type RequestFormat struct {
	Buffers     int
	RawDataSize int
	CopyHandles int
	MoveHandles int
}

// ResponseFormat declares the shape of the response side of a transaction
type ResponseFormat struct {
	RawDataSize int
	Objects     int
	CopyHandles int
	MoveHandles int
}

// Format declares every size of a transaction up front
type Format struct {
	Request  RequestFormat
	Response ResponseFormat
}

// Validate rejects negative sizes
func (f Format) Validate() error {
	counts := []struct {
		name string
		n    int
	}{
		{"request buffers", f.Request.Buffers},
		{"request raw data", f.Request.RawDataSize},
		{"request copy handles", f.Request.CopyHandles},
		{"request move handles", f.Request.MoveHandles},
		{"response raw data", f.Response.RawDataSize},
		{"response objects", f.Response.Objects},
		{"response copy handles", f.Response.CopyHandles},
		{"response move handles", f.Response.MoveHandles},
	}
	for _, c := range counts {
		if c.n < 0 {
			return types.NewError(types.ErrCodeInvalidFormat, fmt.Sprintf("%s count is negative: %d", c.name, c.n))
		}
	}
	return nil
}

// requestFormatOf derives the request side of a format from a received
// message
func requestFormatOf(m *kernel.Message) RequestFormat {
	return RequestFormat{
		Buffers:     len(m.Buffers),
		RawDataSize: len(m.RawData),
		CopyHandles: len(m.CopyHandles),
		MoveHandles: len(m.MoveHandles),
	}
}

// Buffer is an out-of-line buffer attached to a request. The
// TransactionFormat holding it releases it on Close.
type Buffer struct {
	desc     kernel.BufferDescriptor
	released bool
}

// Address returns the client-side address of the buffer
func (b *Buffer) Address() uint64 {
	return b.desc.Address
}

// Size returns the declared size of the buffer
func (b *Buffer) Size() uint64 {
	return b.desc.Size
}

// Mode returns the access mode of the buffer
func (b *Buffer) Mode() kernel.BufferMode {
	return b.desc.Mode
}

// Bytes returns the mapped contents. Writable buffers may be written in
// place; the result is nil once the buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.desc.Data
}

// Released reports whether the buffer has been released
func (b *Buffer) Released() bool {
	return b.released
}

// Release drops the mapping. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.desc.Data = nil
}

// TransactionFormat owns the request and response storage of one call.
// All storage is sized from the Format given to NewTransactionFormat and
// allocated once by Prepare; accessors hand out fixed-length views.
type TransactionFormat struct {
	format   Format
	prepared bool
	closed   bool

	rqRawData     []byte
	rqBuffers     []*Buffer
	rqPID         uint64
	rqCopyHandles []kernel.Handle
	rqMoveHandles []kernel.Handle

	rsRawData     []byte
	rsObjects     []Object
	rsCopyHandles []kernel.Handle
	rsMoveHandles []kernel.Handle
}

// NewTransactionFormat creates an unprepared transaction with the given
// sizes
func NewTransactionFormat(format Format) *TransactionFormat {
	return &TransactionFormat{format: format}
}

// Format returns the declared sizes
func (tf *TransactionFormat) Format() Format {
	return tf.format
}

// Prepared reports whether Prepare has run
func (tf *TransactionFormat) Prepared() bool {
	return tf.prepared
}

// Prepare allocates all storage at exactly the declared sizes. Zero
// counts produce empty, non-nil arrays.
func (tf *TransactionFormat) Prepare() error {
	if tf.closed {
		return types.NewError(types.ErrCodeInvalidFormat, "transaction already closed")
	}
	if tf.prepared {
		return types.NewError(types.ErrCodeInvalidFormat, "transaction already prepared")
	}
	if err := tf.format.Validate(); err != nil {
		return err
	}

	rq, rs := tf.format.Request, tf.format.Response
	tf.rqRawData = make([]byte, rq.RawDataSize)
	tf.rqBuffers = make([]*Buffer, rq.Buffers)
	tf.rqCopyHandles = make([]kernel.Handle, rq.CopyHandles)
	tf.rqMoveHandles = make([]kernel.Handle, rq.MoveHandles)

	tf.rsRawData = make([]byte, rs.RawDataSize)
	tf.rsObjects = make([]Object, rs.Objects)
	tf.rsCopyHandles = make([]kernel.Handle, rs.CopyHandles)
	tf.rsMoveHandles = make([]kernel.Handle, rs.MoveHandles)

	tf.prepared = true
	return nil
}

// Load copies a received message into the prepared request side. The
// message must match the declared request format exactly.
func (tf *TransactionFormat) Load(m *kernel.Message) error {
	if !tf.prepared || tf.closed {
		return types.NewError(types.ErrCodeInvalidFormat, "transaction is not prepared")
	}
	if got := requestFormatOf(m); got != tf.format.Request {
		return types.NewError(types.ErrCodeInvalidFormat,
			fmt.Sprintf("message shape %+v does not match declared request %+v", got, tf.format.Request))
	}

	copy(tf.rqRawData, m.RawData)
	copy(tf.rqCopyHandles, m.CopyHandles)
	copy(tf.rqMoveHandles, m.MoveHandles)
	for i, desc := range m.Buffers {
		tf.rqBuffers[i] = &Buffer{desc: desc}
	}
	tf.rqPID = m.PID
	return nil
}

// Close releases every owned buffer and drops all storage. It is safe on
// an unprepared transaction and safe to call more than once.
func (tf *TransactionFormat) Close() {
	if tf.closed {
		return
	}
	tf.closed = true

	for _, b := range tf.rqBuffers {
		if b != nil {
			b.Release()
		}
	}
	tf.rqRawData = nil
	tf.rqBuffers = nil
	tf.rqCopyHandles = nil
	tf.rqMoveHandles = nil

	tf.rsRawData = nil
	tf.rsObjects = nil
	tf.rsCopyHandles = nil
	tf.rsMoveHandles = nil
}

// RawData returns the request payload
func (tf *TransactionFormat) RawData() []byte {
	return tf.rqRawData
}

// Buffers returns the request's out-of-line buffers
func (tf *TransactionFormat) Buffers() []*Buffer {
	return tf.rqBuffers
}

// PID returns the sender's process id
func (tf *TransactionFormat) PID() uint64 {
	return tf.rqPID
}

// CopyHandles returns the handles duplicated by the sender
func (tf *TransactionFormat) CopyHandles() []kernel.Handle {
	return tf.rqCopyHandles
}

// MoveHandles returns the handles whose ownership the sender gave up
func (tf *TransactionFormat) MoveHandles() []kernel.Handle {
	return tf.rqMoveHandles
}

// ResponseData returns the response payload to fill in
func (tf *TransactionFormat) ResponseData() []byte {
	return tf.rsRawData
}

// ResponseObjects returns the filled response object slots
func (tf *TransactionFormat) ResponseObjects() []Object {
	return tf.rsObjects
}

// SetResponseObject places a child object in a response slot
func (tf *TransactionFormat) SetResponseObject(i int, obj Object) error {
	if i < 0 || i >= len(tf.rsObjects) {
		return types.NewError(types.ErrCodeInvalidFormat,
			fmt.Sprintf("object slot %d out of range (%d declared)", i, len(tf.rsObjects)))
	}
	tf.rsObjects[i] = obj
	return nil
}

// ResponseCopyHandles returns the response's copy-handle array
func (tf *TransactionFormat) ResponseCopyHandles() []kernel.Handle {
	return tf.rsCopyHandles
}

// ResponseMoveHandles returns the response's move-handle array
func (tf *TransactionFormat) ResponseMoveHandles() []kernel.Handle {
	return tf.rsMoveHandles
}

// takeObjects empties the object slots and returns what they held
func (tf *TransactionFormat) takeObjects() []Object {
	var objs []Object
	for i, obj := range tf.rsObjects {
		if obj != nil {
			objs = append(objs, obj)
			tf.rsObjects[i] = nil
		}
	}
	return objs
}

// reply builds the substrate reply. The slices are copies so the reply
// outlives Close.
func (tf *TransactionFormat) reply(objects []kernel.Handle) *kernel.Reply {
	r := &kernel.Reply{
		RawData:     append([]byte{}, tf.rsRawData...),
		CopyHandles: append([]kernel.Handle{}, tf.rsCopyHandles...),
		MoveHandles: append([]kernel.Handle{}, tf.rsMoveHandles...),
		Objects:     objects,
	}
	for _, b := range tf.rqBuffers {
		if b != nil && b.Mode().Writable() {
			r.Buffers = append(r.Buffers, append([]byte{}, b.Bytes()...))
		}
	}
	return r
}

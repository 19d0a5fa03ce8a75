package ipc

import (
	"slices"

	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// Object handles the requests of one session
type Object interface {
	// Dispatch handles one request. Any error, or a panic raised with
	// types.Raise, closes the session; the error's ResultCode is what the
	// server records.
	Dispatch(msg *Message, requestID uint32) error

	// Close releases everything the object holds. The server calls it
	// exactly once, when the session ends.
	Close() error
}

// ResponseFormatter is implemented by objects whose responses carry data.
// It is asked for the response sizes before the transaction is prepared.
// Objects that do not implement it get an empty response.
type ResponseFormatter interface {
	ResponseFormat(requestID uint32, rq RequestFormat) ResponseFormat
}

// Message is the context handed to Object.Dispatch
type Message struct {
	server    *Server
	session   kernel.Handle
	requestID uint32
	tf        *TransactionFormat
	taken     map[kernel.Handle]struct{}
}

// Server returns the server the session belongs to
func (m *Message) Server() *Server {
	return m.server
}

// Session returns the session handle the request arrived on
func (m *Message) Session() kernel.Handle {
	return m.session
}

// RequestID returns the request id chosen by the client
func (m *Message) RequestID() uint32 {
	return m.requestID
}

// Transaction returns the prepared request/response storage
func (m *Message) Transaction() *TransactionFormat {
	return m.tf
}

// PID returns the sender's process id
func (m *Message) PID() uint64 {
	return m.tf.PID()
}

// TakeHandle hands a request handle over to the object, which must close
// it itself. Request handles that are not taken are closed by the server
// when the request completes, unless a delivered reply moved them out. It
// returns false if h did not arrive with this request.
func (m *Message) TakeHandle(h kernel.Handle) bool {
	if !slices.Contains(m.tf.CopyHandles(), h) && !slices.Contains(m.tf.MoveHandles(), h) {
		return false
	}
	if m.taken == nil {
		m.taken = make(map[kernel.Handle]struct{})
	}
	m.taken[h] = struct{}{}
	return true
}

// dispatchShim is the boundary between an Object and the server core.
// Errors become ResultCodes here and coded panics are recovered, so the
// core only ever sees a code.
func dispatchShim(obj Object, msg *Message, requestID uint32) (code types.ResultCode, err error) {
	defer func() {
		if v := recover(); v != nil {
			raised, ok := types.Recovered(v)
			if !ok {
				panic(v)
			}
			code, err = types.CodeOf(raised), raised
		}
	}()

	err = obj.Dispatch(msg, requestID)
	return types.CodeOf(err), err
}

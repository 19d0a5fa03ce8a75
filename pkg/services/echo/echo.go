// Package echo is a small service used to exercise the IPC server end to
// end. Each session gets its own Echo object.
package echo

import (
	"encoding/binary"
	"fmt"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/ipc"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// ServiceName is the name the echo service is usually registered under
const ServiceName = "echo"

// Request ids understood by Echo
const (
	// RequestEcho returns the request payload unchanged
	RequestEcho uint32 = 1
	// RequestPID returns the sender's pid as 8 little-endian bytes
	RequestPID uint32 = 2
	// RequestChild returns a new Echo object on its own session
	RequestChild uint32 = 3
	// RequestHandles hands the received copy handles back as move handles
	RequestHandles uint32 = 4
	// RequestFill copies the payload into every writable buffer
	RequestFill uint32 = 5
)

var (
	_ ipc.Object            = (*Echo)(nil)
	_ ipc.ResponseFormatter = (*Echo)(nil)
)

// Echo answers the requests above and fails every other id with
// ErrCodeUnknownRequest
type Echo struct {
	factory *Factory
	depth   int
	closed  bool
}

// ResponseFormat implements ipc.ResponseFormatter
func (e *Echo) ResponseFormat(requestID uint32, rq ipc.RequestFormat) ipc.ResponseFormat {
	switch requestID {
	case RequestEcho:
		return ipc.ResponseFormat{RawDataSize: rq.RawDataSize}
	case RequestPID:
		return ipc.ResponseFormat{RawDataSize: 8}
	case RequestChild:
		return ipc.ResponseFormat{Objects: 1}
	case RequestHandles:
		return ipc.ResponseFormat{MoveHandles: rq.CopyHandles}
	default:
		return ipc.ResponseFormat{}
	}
}

// Dispatch implements ipc.Object
func (e *Echo) Dispatch(msg *ipc.Message, requestID uint32) error {
	if e.closed {
		return types.NewError(types.ErrCodeSessionClosed, "echo object is closed")
	}
	tf := msg.Transaction()

	switch requestID {
	case RequestEcho:
		copy(tf.ResponseData(), tf.RawData())
	case RequestPID:
		binary.LittleEndian.PutUint64(tf.ResponseData(), msg.PID())
	case RequestChild:
		child, err := e.factory.newEcho(e.depth + 1)
		if err != nil {
			return err
		}
		if err := tf.SetResponseObject(0, child); err != nil {
			_ = child.Close()
			return err
		}
	case RequestHandles:
		copy(tf.ResponseMoveHandles(), tf.CopyHandles())
	case RequestFill:
		for _, b := range tf.Buffers() {
			if b.Mode().Writable() {
				copy(b.Bytes(), tf.RawData())
			}
		}
	default:
		return types.NewError(types.ErrCodeUnknownRequest, fmt.Sprintf("echo: unknown request id %d", requestID))
	}
	return nil
}

// Close implements ipc.Object
func (e *Echo) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.factory.live--
	return nil
}

// Depth returns how many RequestChild calls produced this object
func (e *Echo) Depth() int {
	return e.depth
}

// Factory creates Echo objects. Like the server it belongs to, it is not
// safe for concurrent use.
type Factory struct {
	logger   *logger.Logger
	maxDepth int
	created  int
	live     int
	released bool
}

var (
	_ ipc.Factory  = (*Factory)(nil)
	_ ipc.Releaser = (*Factory)(nil)
)

// NewFactory creates an echo factory. Children may nest up to maxDepth
// levels; zero means no limit.
func NewFactory(log *logger.Logger, maxDepth int) *Factory {
	if log == nil {
		log = logger.NewNop()
	}
	return &Factory{logger: log.With("service", ServiceName), maxDepth: maxDepth}
}

// NewObject implements ipc.Factory
func (f *Factory) NewObject(_ *ipc.Server) (ipc.Object, error) {
	return f.newEcho(0)
}

func (f *Factory) newEcho(depth int) (*Echo, error) {
	if f.released {
		return nil, types.NewError(types.ErrCodeServerClosed, "echo factory released")
	}
	if f.maxDepth > 0 && depth > f.maxDepth {
		return nil, types.NewError(types.ErrCodeOutOfSessions,
			fmt.Sprintf("echo: child depth %d exceeds %d", depth, f.maxDepth))
	}
	f.created++
	f.live++
	f.logger.Debug("Echo object created", "depth", depth, "live", f.live)
	return &Echo{factory: f, depth: depth}, nil
}

// Release implements ipc.Releaser
func (f *Factory) Release() {
	f.released = true
	f.logger.Debug("Echo factory released", "created", f.created, "live", f.live)
}

// Created returns the number of objects made so far
func (f *Factory) Created() int {
	return f.created
}

// Live returns the number of objects not yet closed
func (f *Factory) Live() int {
	return f.live
}

// Released returns true once the server has dropped the factory
func (f *Factory) Released() bool {
	return f.released
}

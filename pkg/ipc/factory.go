package ipc

import (
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// Factory builds the Object for a newly accepted session. It is invoked
// once per connection on the port it is bound to; a failure rejects that
// connection only.
type Factory interface {
	NewObject(s *Server) (Object, error)
}

// FactoryFunc is a function adapter for Factory
type FactoryFunc func(s *Server) (Object, error)

// NewObject implements Factory
func (f FactoryFunc) NewObject(s *Server) (Object, error) {
	return f(s)
}

// Releaser is implemented by factories holding resources. The server
// calls Release exactly once, when it stops tracking the factory.
type Releaser interface {
	Release()
}

// boundFactory is the server-owned record for one registered factory
type boundFactory struct {
	factory  Factory
	service  string
	released bool
}

func (b *boundFactory) newObject(s *Server) (Object, error) {
	obj, err := b.factory.NewObject(s)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, types.NewError(types.ErrCodeInternal, "factory returned a nil object")
	}
	return obj, nil
}

func (b *boundFactory) release() {
	if b.released {
		return
	}
	b.released = true
	if r, ok := b.factory.(Releaser); ok {
		r.Release()
	}
}

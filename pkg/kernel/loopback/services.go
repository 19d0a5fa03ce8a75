package loopback

import (
	"fmt"

	"github.com/billm/baaaht/ipcserver/pkg/kernel"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

var _ kernel.ServiceManager = (*ServiceManager)(nil)

// MaxNameLength is the longest service name the directory accepts
const MaxNameLength = 8

// ServiceManager is the loopback service directory
type ServiceManager struct {
	k *Kernel
}

// ServiceManager returns the kernel's service directory
func (k *Kernel) ServiceManager() *ServiceManager {
	return k.sm
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return types.NewError(types.ErrCodeSMInvalidName,
			fmt.Sprintf("service name %q must be 1 to %d bytes", name, MaxNameLength))
	}
	return nil
}

// RegisterService implements kernel.ServiceManager
func (sm *ServiceManager) RegisterService(name string, maxSessions uint32) (kernel.Handle, error) {
	if err := validateName(name); err != nil {
		return kernel.InvalidHandle, err
	}
	if maxSessions == 0 {
		return kernel.InvalidHandle, types.NewError(types.ErrCodeSMOutOfSessions, "max sessions must be positive")
	}

	k := sm.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.services[name]; exists {
		return kernel.InvalidHandle, types.NewError(types.ErrCodeSMAlreadyRegistered,
			fmt.Sprintf("service %q is already registered", name))
	}

	p := &portObject{name: name, maxSessions: maxSessions}
	k.services[name] = p
	h := k.allocLocked(&ref{obj: p})
	k.logger.Debug("Service registered", "service", name, "port", h.String(), "max_sessions", maxSessions)
	return h, nil
}

// UnregisterService implements kernel.ServiceManager
func (sm *ServiceManager) UnregisterService(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	k := sm.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.services[name]; !exists {
		return types.NewError(types.ErrCodeSMNotRegistered, fmt.Sprintf("service %q is not registered", name))
	}
	delete(k.services, name)
	k.logger.Debug("Service unregistered", "service", name)
	return nil
}

// Registered returns true if name is published
func (sm *ServiceManager) Registered(name string) bool {
	sm.k.mu.Lock()
	defer sm.k.mu.Unlock()
	_, ok := sm.k.services[name]
	return ok
}

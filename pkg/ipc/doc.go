// Package ipc implements the IPC server core: it accepts sessions on
// registered ports, builds one Object per session through the port's
// Factory, and dispatches each request to that Object.
//
// The server is pumped rather than run. Each call to Pump waits on the
// kernel.Waiter for one ready handle and resolves it:
//
//   - a ready port accepts a session and asks the port's Factory for an
//     Object; a factory error rejects that connection only
//   - a ready session receives one message, sizes a TransactionFormat
//     from it, and calls the Object's Dispatch through the shim
//
// A Dispatch that fails, by returning an error or by raising one with
// types.Raise, closes its session. Nothing else is affected.
//
// Example usage:
//
//	srv, err := ipc.Create(ipc.Options{
//	    Waiter:      waiter,
//	    Substrate:   substrate,
//	    Services:    sm,
//	    MaxPorts:    8,
//	    MaxSessions: 64,
//	})
//	if err != nil {
//	    return err
//	}
//	defer srv.Destroy()
//
//	if err := srv.CreateService("echo", echo.NewFactory()); err != nil {
//	    return err
//	}
//
//	for {
//	    if err := srv.Pump(ctx); err != nil {
//	        return err
//	    }
//	}
package ipc

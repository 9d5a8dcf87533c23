package hub

import "processhub/internal/registry"

// Supervisor is the local process runtime: the collaborator that actually
// spawns, addresses, and stops workers on this node. The in-process
// implementation lives in internal/worker; hosts with their own runtime
// supply their own.
//
// StartChild returns the new replica's opaque pid. Starting a running child
// must return *registry.AlreadyStartedError with the existing pid — during
// migration that is success. Deliver routes a worker-protocol message to
// the replica of cid; a missing replica returns an error wrapping
// registry.ErrChildUnknown.
type Supervisor interface {
	StartChild(spec registry.ChildSpec) (string, error)
	TerminateChild(cid string) error
	Deliver(cid string, msg any) error
	Children() []string
}

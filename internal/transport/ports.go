package transport

// Handler consumes inbound envelopes. Handlers run on the transport's
// delivery goroutine and must not block on it.
type Handler func(Envelope)

// Transport delivers envelopes between named nodes.
type Transport interface {
	// Self is the local node name.
	Self() string
	// Send delivers env to the named node. Delivery is reliable while the
	// node is reachable; an unreachable node surfaces as an error here and
	// eventually as a leave event from the cluster view.
	Send(node string, env Envelope) error
	// SetHandler installs the inbound dispatcher. Must be called before the
	// transport starts receiving.
	SetHandler(h Handler)
}

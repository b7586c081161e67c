package pci

// Bridge is the upstream port of a function, as seen by the reset protocol.
type Bridge interface {
	Address() Address

	// ResetDownstreamPort issues a secondary bus reset.
	ResetDownstreamPort() error

	DownstreamPortHotplugEnabled() (bool, error)
	SetDownstreamPortHotplugEnabled(enabled bool) error

	// LTREnabled reports the latency tolerance reporting state of the link.
	LTREnabled() (bool, error)
	SetDownstreamPortLTR(enabled bool) error
}

// Topology resolves upstream ports and issues function-level resets.
type Topology interface {
	// UpstreamPort returns the bridge above addr. ok is false when the
	// function has no resolvable upstream port.
	UpstreamPort(addr Address) (b Bridge, ok bool, err error)

	// FunctionLevelReset resets exactly the function at addr.
	FunctionLevelReset(addr Address) error
}

// Package upnp exposes the single opaque port-mapping hook the LAN session
// calls around StartHost/EndSession. Real UPnP discovery/mapping is an
// external collaborator out of scope for this module; PortMapper lets a
// caller wire one in if they have it, and the zero value (a nil
// PortMapper) makes the session behave as if UPnP were simply unavailable.
package upnp

// PortMapper maps and unmaps a single UDP port on the local gateway.
// Implementations are expected to fail soft: per the error-handling
// policy, a mapping failure is logged and the session continues on the
// local LAN without it.
type PortMapper interface {
	Map(port int) error
	Unmap(port int)
}

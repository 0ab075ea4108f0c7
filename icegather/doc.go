// Package icegather is a default implementation of the ice.IceSocket
// collaborator (spec.md §2): it enumerates host candidates from the local
// network interfaces, learns a server-reflexive candidate from a STUN
// Binding exchange, and allocates a relayed candidate from a TURN server.
// It also offers an optional helper for resolving mDNS ".local" names into
// addresses, for applications that hand IceSession mDNS-obscured remote
// candidates.
//
// original_source's services_ICESocketSession.cpp performed this gathering
// itself; the distilled spec pushed it out to an external collaborator
// (spec.md §1), and this package is the reference implementation of that
// collaborator a complete repo needs.
package icegather

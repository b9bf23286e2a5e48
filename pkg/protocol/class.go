package protocol

// PeerClass is the logical role of a connected peer.
type PeerClass uint8

const (
	ClassUndefined  PeerClass = iota // Connected, handshake not seen yet
	ClassController                  // Primary UI connection
	ClassExtension                   // Auxiliary extension connection
	ClassAll                         // Addresses every peer
)

// String returns the string representation of the peer class.
func (c PeerClass) String() string {
	switch c {
	case ClassUndefined:
		return "undefined"
	case ClassController:
		return "controller"
	case ClassExtension:
		return "extension"
	case ClassAll:
		return "all"
	default:
		return "unknown"
	}
}

// Matches reports whether a peer of class peer is addressed by target.
func (c PeerClass) Matches(peer PeerClass) bool {
	return c == ClassAll || c == peer
}

// Status is the reason reported with a close notification.
type Status uint8

const (
	StatusExit  Status = iota // Orderly shutdown
	StatusFail                // Unrecoverable failure
	StatusClose               // Peer went away and did not come back
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusExit:
		return "exit"
	case StatusFail:
		return "fail"
	case StatusClose:
		return "close"
	default:
		return "unknown"
	}
}

// Close codes (RFC 6455 section 7.4.1) that mark a graceful disconnect.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	CloseNoStatus   = 1005
	CloseAbnormal   = 1006
	CloseNoListener = -1 // Reported when no port could be bound
)

// IsGracefulClose reports whether a peer close code is an expected
// disconnect, such as a page reload or tab close.
func IsGracefulClose(code int) bool {
	switch code {
	case CloseNormal, CloseGoingAway, CloseNoStatus:
		return true
	default:
		return false
	}
}

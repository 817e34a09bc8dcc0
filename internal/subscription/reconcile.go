package subscription

import "bytes"

// Decision is the outcome of comparing local subscription state against
// the server's current signing key.
type Decision int

const (
	// Keep means the local descriptor is still bound to the server's
	// key. No network calls are needed.
	Keep Decision = iota

	// Resubscribe means the server key rotated out from under the local
	// descriptor. The caller must unsubscribe the stale endpoint before
	// subscribing again; transports reject overlapping registrations.
	Resubscribe

	// SubscribeFresh means there is no local descriptor at all.
	SubscribeFresh
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Resubscribe:
		return "resubscribe"
	case SubscribeFresh:
		return "subscribe_fresh"
	default:
		return "unknown"
	}
}

// Reconcile decides what to do with the current descriptor given the
// server's active signing key (public bytes).
//
// Keys are compared by value, byte for byte, never by any version
// counter. Distributor descriptors hold no server key to compare, so
// they always reconcile to Keep; their rotation is event-driven via
// NewEndpoint.
func Reconcile(current *Descriptor, serverKey []byte) Decision {
	if current == nil {
		return SubscribeFresh
	}
	if current.Transport == TransportDistributor {
		return Keep
	}
	if !bytes.Equal(current.PublicKey, serverKey) {
		return Resubscribe
	}
	return Keep
}

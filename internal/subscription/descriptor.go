package subscription

import "slices"

// Transport identifies the concrete push delivery mechanism.
type Transport string

const (
	// TransportWebPush is the standards-based browser push channel.
	// The descriptor carries the application-server public key it was
	// subscribed against.
	TransportWebPush Transport = "webpush"

	// TransportDistributor is the OS-distributor channel (UnifiedPush).
	// There is no client-held server key; rotation arrives as a pushed
	// NewEndpoint event instead of being detected locally.
	TransportDistributor Transport = "distributor"
)

// Descriptor identifies where the server sends a push for this client
// instance, plus the key material the endpoint was created with.
//
// Descriptors are immutable. Rotation supersedes a descriptor with a new
// one; nothing ever mutates an existing descriptor in place.
type Descriptor struct {
	Transport  Transport
	URL        string
	AuthSecret []byte

	// PublicKey is the application-server key the endpoint is bound to.
	// Set for webpush only.
	PublicKey []byte

	// Encodings is the ordered list of content encodings the client
	// accepts, most preferred first.
	Encodings []string
}

// Clone returns a deep copy so callers can hold descriptors without
// aliasing the adapter's internal state.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	cp := *d
	cp.AuthSecret = slices.Clone(d.AuthSecret)
	cp.PublicKey = slices.Clone(d.PublicKey)
	cp.Encodings = slices.Clone(d.Encodings)
	return &cp
}

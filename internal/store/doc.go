// Package store persists the little state this subsystem shares across
// process activations:
//   - The last-submitted endpoint descriptor (rotation de-dup)
//   - Post id -> OS notification id (cross-activation replace)
//   - An append-only audit of subscription/delivery actions
package store

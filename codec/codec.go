// Package codec serializes cached pages for a mirror Provider.
//
// Every codec reports a short Name that is written into each mirrored frame;
// a store refuses (and self-heals) frames whose codec differs from its own, so
// switching codecs between deployments never decodes foreign bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Name() string
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

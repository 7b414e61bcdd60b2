// Package codec provides the value (de)serializers the cache stores values
// through. Pick one codec per cache namespace and keep it; mixing codecs
// under one namespace corrupts reads by construction.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

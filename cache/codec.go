package cache

import "encoding/json"

// Codec converts values to and from bytes. The encoded form is what the WAL
// journals and snapshots dump; its length also feeds the memory estimator.
// A Marshal failure at Set time is a validation error: the engine rejects
// values it cannot serialize rather than storing them undurably.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec is the default Codec. It handles any json-encodable value type.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

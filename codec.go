package saga

import "encoding/json"

// Codec converts saga data to and from its persisted form.
type Codec[T any] interface {
	Encode(data T) ([]byte, error)
	Decode(raw []byte) (T, error)
}

// JSONCodec is the default codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(data T) ([]byte, error) {
	return json.Marshal(data)
}

func (JSONCodec[T]) Decode(raw []byte) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

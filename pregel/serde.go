package pregel

import "encoding/json"

// Serializer converts channel values to and from a tagged byte
// representation for checkpoint persistence. Grounded on spec §4.B's
// "Serialization" requirement: dumps_typed must fail synchronously, before
// any checkpoint write lands, so a bad value never corrupts a stored
// checkpoint.
type Serializer interface {
	// DumpsTyped returns a type tag and the encoded bytes for v.
	DumpsTyped(v any) (typeTag string, data []byte, err error)

	// LoadsTyped decodes data back into a value, given the tag produced by
	// DumpsTyped.
	LoadsTyped(typeTag string, data []byte) (any, error)
}

// JSONSerializer is the Engine's default Serializer (see defaultConfig);
// checkpointer backends store the bytes it produces and JSON-encode the
// Checkpoint record themselves, without a Serializer. The teacher relies on encoding/json throughout
// (checkpoint.go's computeIdempotencyKey, store/*.go) rather than a binary
// codec, so this keeps that convention instead of introducing a new
// dependency for a concern the teacher already solves with the standard
// library — the one ambient concern in this repo justified as stdlib-only.
type JSONSerializer struct{}

const jsonTypeTag = "json"

func (JSONSerializer) DumpsTyped(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, wrapErr(KindSerialization, "json marshal failed", err)
	}
	return jsonTypeTag, data, nil
}

func (JSONSerializer) LoadsTyped(typeTag string, data []byte) (any, error) {
	if typeTag != jsonTypeTag {
		return nil, newErr(KindSerialization, "unknown type tag: "+typeTag)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, wrapErr(KindSerialization, "json unmarshal failed", err)
	}
	return v, nil
}

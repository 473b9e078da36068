// Package codec carries the state protocol over gRPC: the JSON wire codec, the
// message types, the service descriptor and the client agents dial.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Name is the gRPC content-subtype the codec registers under.
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// #region json-codec
// jsonCodec marshals the plain Go message types in this package.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return Name
}

// #endregion json-codec

// #region evidence
// Evidence is an evidence bundle on the wire, a google.protobuf.Struct in its
// canonical JSON mapping.
type Evidence struct {
	Struct *structpb.Struct
}

// NewEvidence converts a decoded JSON object into wire form.
func NewEvidence(m map[string]any) (Evidence, error) {
	if m == nil {
		return Evidence{}, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return Evidence{}, fmt.Errorf("evidence bundle: %w", err)
	}
	return Evidence{Struct: s}, nil
}

// AsMap returns the bundle as a plain map, nil when absent.
func (e Evidence) AsMap() map[string]any {
	if e.Struct == nil {
		return nil
	}
	return e.Struct.AsMap()
}

func (e Evidence) MarshalJSON() ([]byte, error) {
	if e.Struct == nil {
		return []byte("null"), nil
	}
	return protojson.Marshal(e.Struct)
}

func (e *Evidence) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Struct = nil
		return nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return err
	}
	e.Struct = s
	return nil
}

// #endregion evidence

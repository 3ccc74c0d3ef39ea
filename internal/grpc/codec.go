package grpc

import "fmt"

// CodecName identifies the wire codec on the connection.
const CodecName = "gfxlab-wire"

// Message is implemented by every type in the wire package.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec marshals wire messages for gRPC without generated protobuf types.
type Codec struct{}

// Marshal encodes v, which must implement Message.
func (Codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("codec %s cannot marshal %T", CodecName, v)
	}
	return msg.Marshal()
}

// Unmarshal decodes data into v, which must implement Message.
func (Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(Message)
	if !ok {
		return fmt.Errorf("codec %s cannot unmarshal into %T", CodecName, v)
	}
	return msg.Unmarshal(data)
}

// Name reports the codec identifier.
func (Codec) Name() string { return CodecName }

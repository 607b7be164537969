package net

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ugorji/go/codec"
)

// Encoder writes values on a stream.
type Encoder interface {
	Encode(v interface{}) error
}

// Decoder reads values from a stream. Decoders may buffer, so every value read
// from a connection, including the rpc type, goes through the same Decoder.
type Decoder interface {
	Decode(v interface{}) error
}

// WireCodec creates the encoders and decoders of a connection.
type WireCodec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// NewWireCodec returns the codec with the given name: "msgpack" or "cbor".
func NewWireCodec(name string) (WireCodec, error) {
	switch name {
	case "", "msgpack":
		return NewMsgpackCodec(), nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}

type msgpackCodec struct {
	handle *codec.MsgpackHandle
}

// NewMsgpackCodec encodes units with MessagePack.
func NewMsgpackCodec() WireCodec {
	mh := new(codec.MsgpackHandle)
	mh.WriteExt = true
	return &msgpackCodec{handle: mh}
}

func (c *msgpackCodec) Name() string {
	return "msgpack"
}

func (c *msgpackCodec) NewEncoder(w io.Writer) Encoder {
	return codec.NewEncoder(w, c.handle)
}

func (c *msgpackCodec) NewDecoder(r io.Reader) Decoder {
	return codec.NewDecoder(r, c.handle)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec encodes units with CBOR.
func NewCBORCodec() (WireCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Name() string {
	return "cbor"
}

func (c *cborCodec) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *cborCodec) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const compressLogPrefix = "protocol:compress"

// Codec names carried in Response.Encoding.
const (
	EncodingNone = ""
	EncodingZstd = "zstd"
	EncodingLZ4  = "lz4"
)

// Compressor shrinks large response bodies before they go on the bus.
type Compressor struct {
	codec     string
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCompressor returns a Compressor for codec ("zstd", "lz4" or "none").
// Bodies whose combined size is below threshold are sent raw.
func NewCompressor(codec string, threshold int) (*Compressor, error) {
	c := &Compressor{threshold: threshold}
	switch codec {
	case "", "none":
		c.codec = EncodingNone
	case EncodingZstd, EncodingLZ4:
		c.codec = codec
	default:
		return nil, fmt.Errorf("%s - unknown codec %q", compressLogPrefix, codec)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("%s - zstd encoder: %w", compressLogPrefix, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%s - zstd decoder: %w", compressLogPrefix, err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Apply compresses the response bodies in place when they exceed the threshold.
func (c *Compressor) Apply(resp *Response) error {
	if c == nil || c.codec == EncodingNone || resp.Encoding != EncodingNone {
		return nil
	}
	if len(resp.Stdout)+len(resp.Stderr)+len(resp.Payload) < c.threshold {
		return nil
	}
	var err error
	if resp.Stdout, err = c.encode(resp.Stdout); err != nil {
		return err
	}
	if resp.Stderr, err = c.encode(resp.Stderr); err != nil {
		return err
	}
	if resp.Payload, err = c.encode(resp.Payload); err != nil {
		return err
	}
	resp.Encoding = c.codec
	return nil
}

// Restore reverses Apply. Responses without an encoding are left untouched.
func (c *Compressor) Restore(resp *Response) error {
	if resp.Encoding == EncodingNone {
		return nil
	}
	var err error
	if resp.Stdout, err = c.decode(resp.Encoding, resp.Stdout); err != nil {
		return err
	}
	if resp.Stderr, err = c.decode(resp.Encoding, resp.Stderr); err != nil {
		return err
	}
	if resp.Payload, err = c.decode(resp.Encoding, resp.Payload); err != nil {
		return err
	}
	resp.Encoding = EncodingNone
	return nil
}

func (c *Compressor) encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch c.codec {
	case EncodingZstd:
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case EncodingLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("%s - lz4 write: %w", compressLogPrefix, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%s - lz4 close: %w", compressLogPrefix, err)
		}
		return buf.Bytes(), nil
	}
	return data, nil
}

func (c *Compressor) decode(codec string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch codec {
	case EncodingZstd:
		out, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%s - zstd decode: %w", compressLogPrefix, err)
		}
		return out, nil
	case EncodingLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%s - lz4 decode: %w", compressLogPrefix, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s - unknown encoding %q", compressLogPrefix, codec)
}

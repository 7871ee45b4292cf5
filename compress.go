package main

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// One header byte ahead of the plaintext says whether the rest is raw
// or deflate. Compression runs before encryption; small or
// high-entropy inputs stay raw when deflate would grow them.
const (
	codecRaw     = 0x00
	codecDeflate = 0x01
)

func compressPayload(plain []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(codecDeflate)
	w, _ := flate.NewWriter(&buf, flate.BestCompression)
	w.Write(plain)
	w.Close()
	if buf.Len() >= len(plain)+1 {
		raw := make([]byte, 0, len(plain)+1)
		raw = append(raw, codecRaw)
		return append(raw, plain...)
	}
	return buf.Bytes()
}

func expandPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrReassembly
	}
	switch data[0] {
	case codecRaw:
		return data[1:], nil
	case codecDeflate:
		r := flate.NewReader(bytes.NewReader(data[1:]))
		defer r.Close()
		plain, err := io.ReadAll(r)
		if err != nil {
			return nil, ErrReassembly
		}
		return plain, nil
	default:
		return nil, ErrReassembly
	}
}

package outmux

import (
	"bytes"
	"compress/flate"
	"io"
)

// compressAcceptRatio rejects compression that saves less than 20%.
const compressAcceptRatio = 0.8

// compress deflates data. The result is used only when it is meaningfully
// smaller than the input; otherwise ok is false and the original payload
// stays as-is. Deflate is lossless; Decompress is the exact inverse.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if float64(buf.Len()) >= float64(len(data))*compressAcceptRatio {
		return nil, false
	}
	return buf.Bytes(), true
}

// Decompress inflates a payload produced by the compression step.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

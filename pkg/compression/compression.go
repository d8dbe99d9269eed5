package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Codec identifies how a payload is compressed. The value is stored on disk next to the payload.
type Codec uint8

const (
	None Codec = iota
	Gzip
	Zstd
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts "none", "gzip" or "zstd"; empty means zstd.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	case "none":
		return None, nil
	}
	return None, fmt.Errorf("unknown compression codec %q", s)
}

func Compress(c Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch c {
	case None:
		return data, nil
	case Gzip:
		_, err = CompressGzip(bytes.NewReader(data), &buf)
	case Zstd:
		_, err = CompressZstd(bytes.NewReader(data), &buf)
	default:
		return nil, fmt.Errorf("compress: unknown codec %v", c)
	}
	if err != nil {
		return nil, fmt.Errorf("compress %v: %w", c, err)
	}
	return buf.Bytes(), nil
}

func Decompress(c Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch c {
	case None:
		return data, nil
	case Gzip:
		_, err = DecompressGzip(bytes.NewReader(data), &buf)
	case Zstd:
		_, err = DecompressZstd(bytes.NewReader(data), &buf)
	default:
		return nil, fmt.Errorf("decompress: unknown codec %v", c)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress %v: %w", c, err)
	}
	return buf.Bytes(), nil
}

// CompressGzip compresses using standard gzip
func CompressGzip(r io.Reader, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)
	n, err := io.Copy(gz, r)
	if err != nil {
		_ = gz.Close()
		return n, err
	}
	return n, gz.Close()
}

// DecompressGzip decompresses gzip data
func DecompressGzip(r io.Reader, w io.Writer) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	return io.Copy(w, gz)
}

// CompressZstd compresses using zstd
func CompressZstd(r io.Reader, w io.Writer) (int64, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, r)
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// DecompressZstd decompresses zstd data
func DecompressZstd(r io.Reader, w io.Writer) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return io.Copy(w, dec)
}

package esc

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// GzipCompressionType is the Content-Encoding token for gzip bodies.
	GzipCompressionType = "gzip"

	// ZstdCompressionType is the Content-Encoding token for zstd bodies.
	ZstdCompressionType = "zstd"
)

// CompressWithZstd compresses a request body into the supplied buffer.
func CompressWithZstd(data []byte, buffer *bytes.Buffer) error {

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}

	buffer.Write(encoder.EncodeAll(data, nil))

	return encoder.Close()
}

// DecompressWithZstd replaces the buffer's compressed content with the
// decoded bytes.
func DecompressWithZstd(buffer *bytes.Buffer) error {

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(buffer.Bytes(), nil)
	if err != nil {
		return err
	}

	buffer.Reset()
	buffer.Write(data)

	return nil
}

// CompressWithGzip compresses a request body into the supplied buffer.
func CompressWithGzip(data []byte, buffer *bytes.Buffer) error {

	writer := gzip.NewWriter(buffer)

	if _, err := writer.Write(data); err != nil {
		return err
	}

	// Close flushes the trailing gzip frame, so its error is the real outcome.
	return writer.Close()
}

// DecompressWithGzip replaces the buffer's compressed content with the
// decoded bytes.
func DecompressWithGzip(buffer *bytes.Buffer) error {

	reader, err := gzip.NewReader(buffer)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(reader)
	closeErr := reader.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	buffer.Reset()
	buffer.Write(data)

	return nil
}

func handleCompression(compression *CompressionConfig, data []byte, buffer *bytes.Buffer) error {

	switch compression.Type {
	case ZstdCompressionType:
		return CompressWithZstd(data, buffer)
	default:
		return CompressWithGzip(data, buffer)
	}
}

func handleDecompression(compression *CompressionConfig, buffer *bytes.Buffer) error {

	switch compression.Type {
	case ZstdCompressionType:
		return DecompressWithZstd(buffer)
	default:
		return DecompressWithGzip(buffer)
	}
}

// ContentEncoding yields the Content-Encoding header value for the configured compression type.
func (c *CompressionConfig) ContentEncoding() string {

	switch c.Type {
	case ZstdCompressionType:
		return ZstdCompressionType
	default:
		return GzipCompressionType
	}
}

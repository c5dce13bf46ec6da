// File: internal/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaderPool   = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	brotliReaderPool = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
)

// CompressionMiddleware advertises br/gzip/deflate on outgoing requests and
// transparently decodes the response body.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// decodedBody closes the decoder and the original body, then recycles pooled readers.
type decodedBody struct {
	io.Reader
	closer   io.Closer
	original io.ReadCloser
	release  func()
}

func (b *decodedBody) Close() error {
	var errDecoder error
	if b.closer != nil {
		errDecoder = b.closer.Close()
	}
	errBody := b.original.Close()
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(errDecoder, errBody)
}

// DecompressResponse wraps resp.Body according to Content-Encoding. Layered
// encodings are undone in reverse order. On success the encoding and length
// headers are removed and resp.Uncompressed is set.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := contentEncodings(resp.Header)
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		body := resp.Body
		switch encodings[i] {
		case "gzip", "x-gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(body); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			resp.Body = &decodedBody{Reader: zr, closer: zr, original: body, release: func() { gzipReaderPool.Put(zr) }}

		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(body); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			resp.Body = &decodedBody{Reader: br, original: body, release: func() { brotliReaderPool.Put(br) }}

		case "deflate":
			rc, err := newDeflateReader(body)
			if err != nil {
				return fmt.Errorf("deflate initialization error: %w", err)
			}
			resp.Body = &decodedBody{Reader: rc, closer: rc, original: body}

		case "identity":
			continue

		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", encodings[i])
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" {
				out = append(out, enc)
			}
		}
	}
	return out
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate streams, since servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

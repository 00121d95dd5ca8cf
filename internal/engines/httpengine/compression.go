package httpengine

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
	emptyReader = strings.NewReader("")
)

// decodingBody closes the decoder and the wire body, and hands pooled
// decoders back.
type decodingBody struct {
	io.Reader
	wire    io.ReadCloser
	release func()
}

func (b *decodingBody) Close() error {
	var err error
	if c, ok := b.Reader.(io.Closer); ok {
		err = c.Close()
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(err, b.wire.Close())
}

// decompress wraps resp.Body according to Content-Encoding, decoding the
// layers in reverse order of application.
func decompress(resp *http.Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 || resp.Body == nil {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		for _, enc := range splitEncodings(encodings[i]) {
			var reader io.Reader
			var release func()

			switch enc {
			case "gzip", "x-gzip":
				zr := gzipReaderPool.Get().(*gzip.Reader)
				if err := zr.Reset(resp.Body); err != nil {
					gzipReaderPool.Put(zr)
					return fmt.Errorf("gzip initialization error: %w", err)
				}
				reader = zr
				release = func() {
					_ = zr.Reset(emptyReader)
					gzipReaderPool.Put(zr)
				}
			case "br":
				br := brotliReaderPool.Get().(*brotli.Reader)
				if err := br.Reset(resp.Body); err != nil {
					brotliReaderPool.Put(br)
					return fmt.Errorf("brotli initialization error: %w", err)
				}
				reader = br
				release = func() {
					_ = br.Reset(emptyReader)
					brotliReaderPool.Put(br)
				}
			case "deflate":
				reader = flate.NewReader(resp.Body)
			case "identity", "":
				continue
			default:
				return fmt.Errorf("unsupported Content-Encoding: %s", enc)
			}
			resp.Body = &decodingBody{Reader: reader, wire: resp.Body, release: release}
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// splitEncodings handles "gzip, br" in a single header value, returned in
// the order they must be undone.
func splitEncodings(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		out = append(out, strings.ToLower(strings.TrimSpace(parts[i])))
	}
	return out
}

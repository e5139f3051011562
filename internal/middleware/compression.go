package middleware

import (
	"compress/gzip"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// CompressionConfig holds configuration for the compression middleware
type CompressionConfig struct {
	// MinSize is the smallest body, in bytes, worth compressing
	MinSize int
	// Level is the gzip level (gzip.BestSpeed to gzip.BestCompression)
	Level int
	// CompressibleTypes are media types eligible for compression
	CompressibleTypes []string
	// SkipPaths are prefixes whose responses pass through untouched
	SkipPaths []string
}

// DefaultCompressionConfig compresses API JSON and media links, never movies.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize: 1024,
		Level:   gzip.DefaultCompression,
		CompressibleTypes: []string{
			"text/plain",
			"text/xml",
			"application/json",
			"application/xml",
			"application/x-quicktime-media-link",
		},
		SkipPaths: []string{"/stream/"},
	}
}

var gzipWriterPools sync.Map // level -> *sync.Pool

func gzipPool(level int) *sync.Pool {
	if p, ok := gzipWriterPools.Load(level); ok {
		return p.(*sync.Pool)
	}
	p, _ := gzipWriterPools.LoadOrStore(level, &sync.Pool{
		New: func() interface{} {
			w, err := gzip.NewWriterLevel(io.Discard, level)
			if err != nil {
				w = gzip.NewWriter(io.Discard)
			}
			return w
		},
	})
	return p.(*sync.Pool)
}

// compressWriter holds the body back until MinSize bytes arrive or the
// handler finishes, then commits to gzip or identity.
type compressWriter struct {
	http.ResponseWriter
	config  CompressionConfig
	status  int
	pending []byte
	decided bool
	gz      *gzip.Writer
}

func newCompressWriter(w http.ResponseWriter, config CompressionConfig) *compressWriter {
	return &compressWriter{ResponseWriter: w, config: config, status: http.StatusOK}
}

func (c *compressWriter) WriteHeader(code int) {
	if c.decided {
		return
	}
	c.status = code
	// Bodiless statuses have nothing to hold back
	if code == http.StatusNoContent || code == http.StatusNotModified || code < 200 {
		c.decide(false)
	}
}

func (c *compressWriter) Write(p []byte) (int, error) {
	if c.decided {
		if c.gz != nil {
			return c.gz.Write(p)
		}
		return c.ResponseWriter.Write(p)
	}

	c.pending = append(c.pending, p...)
	if len(c.pending) >= c.config.MinSize {
		if err := c.decide(c.eligible()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// eligible reports whether the response headers allow compression.
func (c *compressWriter) eligible() bool {
	h := c.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	if n, err := strconv.Atoi(h.Get("Content-Length")); err == nil && n < c.config.MinSize {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}
	for _, t := range c.config.CompressibleTypes {
		if mediaType == t {
			return true
		}
	}
	return false
}

// decide sends the header and any held-back bytes.
func (c *compressWriter) decide(compress bool) error {
	c.decided = true
	pending := c.pending
	c.pending = nil

	if compress {
		h := c.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")

		c.gz = gzipPool(c.config.Level).Get().(*gzip.Writer)
		c.gz.Reset(c.ResponseWriter)
		c.ResponseWriter.WriteHeader(c.status)
		if len(pending) > 0 {
			_, err := c.gz.Write(pending)
			return err
		}
		return nil
	}

	c.ResponseWriter.WriteHeader(c.status)
	if len(pending) > 0 {
		_, err := c.ResponseWriter.Write(pending)
		return err
	}
	return nil
}

// Close flushes whatever is still held back and releases the gzip writer.
func (c *compressWriter) Close() error {
	if !c.decided {
		// A short body never reaches MinSize; send it as-is
		if err := c.decide(false); err != nil {
			return err
		}
	}
	if c.gz == nil {
		return nil
	}
	err := c.gz.Close()
	gzipPool(c.config.Level).Put(c.gz)
	c.gz = nil
	return err
}

// Flush implements http.Flusher
func (c *compressWriter) Flush() {
	if !c.decided {
		_ = c.decide(len(c.pending) >= c.config.MinSize && c.eligible())
	}
	if c.gz != nil {
		_ = c.gz.Flush()
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (c *compressWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

// acceptsGzip reports whether the Accept-Encoding header allows gzip.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != "gzip" && coding != "*" {
			continue
		}
		q := strings.TrimSpace(params)
		if v, ok := strings.CutPrefix(q, "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f == 0 {
				if coding == "gzip" {
					return false
				}
				continue
			}
		}
		return true
	}
	return false
}

// Compression returns a middleware that gzips eligible responses. HEAD,
// ranged and streaming requests are passed through so byte offsets hold.
func Compression(config CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || r.Header.Get("Range") != "" || !acceptsGzip(r.Header.Get("Accept-Encoding")) {
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range config.SkipPaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			cw := newCompressWriter(w, config)
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

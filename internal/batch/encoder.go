// Package batch encodes normalized events as an NDJSON request body.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/gzip"

	"github.com/i474232898/weather-shipper/internal/weather"
)

const (
	ContentTypeNDJSON = "application/x-ndjson"
	EncodingGzip      = "gzip"

	// GzipThreshold is the uncompressed size above which bodies are gzipped.
	GzipThreshold = 64_000
)

// Encode serializes events as newline-delimited JSON, one object per line
// with a trailing newline. Bodies larger than GzipThreshold are gzipped and
// the returned headers say so. An empty batch yields a nil body.
func Encode(events []weather.Event) ([]byte, http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", ContentTypeNDJSON)
	if len(events) == 0 {
		return nil, h, nil
	}

	raw, err := EncodeNDJSON(events)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) <= GzipThreshold {
		return raw, h, nil
	}

	compressed, err := Gzip(raw)
	if err != nil {
		return nil, nil, err
	}
	h.Set("Content-Encoding", EncodingGzip)
	return compressed, h, nil
}

// EncodeNDJSON returns the uncompressed NDJSON text for events.
func EncodeNDJSON(events []weather.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range events {
		// Encode appends the newline.
		if err := enc.Encode(&events[i]); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Gzip compresses b with the default compression level.
func Gzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return buf.Bytes(), nil
}

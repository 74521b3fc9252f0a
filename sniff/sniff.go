// Package sniff wraps an http.RoundTripper to detect mislabeled
// compressed bodies. Some streaming-service CDNs gzip or deflate a
// response without setting Content-Encoding; left alone, callers would
// try to JSON-decode compressed bytes. The sniffer peeks the first four
// bytes of the body (without consuming the stream seen by the caller),
// and transparently wraps it in a decompressor when it recognizes gzip or
// zlib magic and no Content-Encoding was declared.
//
// Modeled on the teacher's metricsRoundTripper wrapping pattern
// (provider/pool.go): a thin http.RoundTripper decorator around whatever
// transport the caller already built.
package sniff

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	// zlib's first byte (CMF) is almost always 0x78 in practice; the
	// second byte (FLG) varies with compression level/dictionary use.
	zlibMagicByte0 = byte(0x78)
)

// Transport decorates an inner http.RoundTripper, sniffing and
// transparently decoding mislabeled gzip/deflate response bodies.
type Transport struct {
	Inner http.RoundTripper
}

// New wraps inner in a sniffing Transport. If inner is nil,
// http.DefaultTransport is used.
func New(inner http.RoundTripper) *Transport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &Transport{Inner: inner}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Inner.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	// Declared encoding already present — the sniffer must not change
	// behavior in that case.
	if resp.Header.Get("Content-Encoding") != "" {
		return resp, nil
	}
	if resp.Body == nil {
		return resp, nil
	}

	br := bufio.NewReaderSize(resp.Body, 4096)
	magic, peekErr := br.Peek(4)
	if peekErr != nil && peekErr != io.EOF && peekErr != bufio.ErrBufferFull {
		// Not enough bytes to make a determination either way — pass
		// through unchanged rather than guessing.
		resp.Body = readCloser{br, resp.Body}
		return resp, nil
	}

	switch {
	case len(magic) >= 2 && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1]:
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			// Magic matched but the stream is malformed: surface the raw
			// body rather than hiding the failure behind a decode error.
			resp.Body = readCloser{br, resp.Body}
			return resp, nil
		}
		inflated := bufio.NewReaderSize(gz, 512)
		overwriteContentType(resp, inflated)
		resp.Body = sniffedBody{Reader: inflated, underlying: resp.Body, closer: gz}

	case len(magic) >= 1 && magic[0] == zlibMagicByte0:
		zr, zErr := zlib.NewReader(br)
		if zErr != nil {
			resp.Body = readCloser{br, resp.Body}
			return resp, nil
		}
		inflated := bufio.NewReaderSize(zr, 512)
		overwriteContentType(resp, inflated)
		resp.Body = sniffedBody{Reader: inflated, underlying: resp.Body, closer: zr}

	default:
		resp.Body = readCloser{br, resp.Body}
	}

	return resp, nil
}

// overwriteContentType peeks the inflated payload's leading bytes through
// inflated (a *bufio.Reader wrapped around the decompressor — neither
// *gzip.Reader nor the zlib reader implement Peek themselves) and
// overwrites the declared Content-Type header so downstream decoders see
// the real media type of the now-decompressed body.
func overwriteContentType(resp *http.Response, inflated *bufio.Reader) {
	sample, err := inflated.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return
	}
	if len(sample) == 0 {
		return
	}
	resp.Header.Set("Content-Type", http.DetectContentType(sample))
}

// readCloser re-joins a bufio.Reader that peeked ahead with the original
// underlying io.ReadCloser so Close() still reaches the real body.
type readCloser struct {
	io.Reader
	underlying io.ReadCloser
}

func (r readCloser) Close() error { return r.underlying.Close() }

// sniffedBody wraps a bufio.Reader peeking over a decompressor together
// with the decompressor itself and the original response body, so
// closing it releases both the decompressor and the network connection
// it reads from. Reader is the bufio wrapper (peeked for content-type
// sniffing before the caller ever reads), not the decompressor directly.
type sniffedBody struct {
	io.Reader
	underlying io.ReadCloser
	closer     io.Closer
}

func (s sniffedBody) Close() error {
	if s.closer != nil {
		_ = s.closer.Close()
	}
	return s.underlying.Close()
}

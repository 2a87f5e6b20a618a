// Package mjpeg reads multipart/x-mixed-replace JPEG streams served by the
// camera daemon.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MaxFrameSize bounds a single JPEG part.
const MaxFrameSize = 8 << 20

// ErrNotJPEG is returned for parts that do not carry a JPEG image.
var ErrNotJPEG = errors.New("part is not a JPEG image")

// Frame is a single decoded stream part.
type Frame struct {
	Seq      uint64
	Data     []byte
	Received time.Time
}

// Stream is an open MJPEG connection.
type Stream struct {
	body   io.ReadCloser
	reader *multipart.Reader

	mu     sync.Mutex
	seq    uint64
	bytes  uint64
	closed bool
}

// Open requests url and validates that the response is a multipart stream.
// The stream stays bound to ctx; cancelling it aborts pending reads.
func Open(ctx context.Context, client *http.Client, url string) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("multipart boundary missing")
	}
	return &Stream{body: resp.Body, reader: multipart.NewReader(resp.Body, boundary)}, nil
}

// Next blocks until the next JPEG frame arrives.
func (s *Stream) Next() (Frame, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return Frame{}, err
	}
	defer part.Close()
	if ct := part.Header.Get("Content-Type"); ct != "" && !strings.EqualFold(strings.TrimSpace(ct), "image/jpeg") {
		return Frame{}, fmt.Errorf("%w: %s", ErrNotJPEG, ct)
	}
	data, err := io.ReadAll(io.LimitReader(part, MaxFrameSize+1))
	if err != nil {
		return Frame{}, err
	}
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return Frame{}, ErrNotJPEG
	}
	s.mu.Lock()
	s.seq++
	s.bytes += uint64(len(data))
	frame := Frame{Seq: s.seq, Data: data, Received: time.Now()}
	s.mu.Unlock()
	return frame, nil
}

// Stats reports the number of frames and payload bytes read so far.
func (s *Stream) Stats() (frames, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.bytes
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

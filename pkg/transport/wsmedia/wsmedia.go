// Package wsmedia implements transport.Sink over a WebSocket.
//
// Every frame is one binary message:
//
//	byte 0     kind (0x01 JPEG video, 0x02 Opus audio)
//	bytes 1-4  RTP timestamp, big endian
//	bytes 5-   payload
//
// The browser client decodes video with an <img>/ImageDecoder and audio with
// WebCodecs. Closing the socket from either side ends the media session.
package wsmedia

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/lipsync/pkg/audio/opus"
	"github.com/MrWong99/lipsync/pkg/transport"
)

var _ transport.Sink = (*Sink)(nil)

// Message kinds.
const (
	KindVideo byte = 0x01
	KindAudio byte = 0x02
)

// HeaderLen is the size of the frame header.
const HeaderLen = 5

// DefaultJPEGQuality is used when no quality option is given.
const DefaultJPEGQuality = 80

// Sink writes paced media to one WebSocket peer.
type Sink struct {
	conn    *websocket.Conn
	enc     *opus.Encoder
	quality int
	done    <-chan struct{}

	mu  sync.Mutex // serialises encoder use
	buf bytes.Buffer

	closeOnce sync.Once
}

// Option configures a Sink.
type Option func(*Sink)

// WithJPEGQuality sets the JPEG quality (1-100).
func WithJPEGQuality(q int) Option {
	return func(s *Sink) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// New wraps an accepted connection. ctx bounds the connection lifetime; the
// sink reports Done once the peer closes the socket or ctx ends. The peer is
// not expected to send data: any message it sends closes the sink.
func New(ctx context.Context, conn *websocket.Conn, opts ...Option) (*Sink, error) {
	enc, err := opus.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("wsmedia: %w", err)
	}
	s := &Sink{
		conn:    conn,
		enc:     enc,
		quality: DefaultJPEGQuality,
	}
	for _, o := range opts {
		o(s)
	}
	s.done = conn.CloseRead(ctx).Done()
	return s, nil
}

// Done implements transport.Sink.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// WriteVideo implements transport.Sink.
func (s *Sink) WriteVideo(ctx context.Context, frame *image.RGBA, ts uint32) error {
	s.mu.Lock()
	s.buf.Reset()
	s.buf.Write(header(KindVideo, ts))
	err := jpeg.Encode(&s.buf, frame, &jpeg.Options{Quality: s.quality})
	msg := append([]byte(nil), s.buf.Bytes()...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wsmedia: encode jpeg: %w", err)
	}
	return s.write(ctx, msg)
}

// WriteAudio implements transport.Sink.
func (s *Sink) WriteAudio(ctx context.Context, samples []int16, ts uint32) error {
	s.mu.Lock()
	packet, err := s.enc.EncodeInt16(samples)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wsmedia: %w", err)
	}
	return s.write(ctx, append(header(KindAudio, ts), packet...))
}

func (s *Sink) write(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return transport.ErrSinkClosed
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			return transport.ErrSinkClosed
		}
		return fmt.Errorf("wsmedia: write: %w", err)
	}
	return nil
}

// Close implements transport.Sink.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}

func header(kind byte, ts uint32) []byte {
	h := make([]byte, HeaderLen, HeaderLen+1024)
	h[0] = kind
	binary.BigEndian.PutUint32(h[1:], ts)
	return h
}

// ParseHeader splits a received message into kind, timestamp and payload.
func ParseHeader(msg []byte) (kind byte, ts uint32, payload []byte, err error) {
	if len(msg) < HeaderLen {
		return 0, 0, nil, fmt.Errorf("wsmedia: message of %d bytes is shorter than header", len(msg))
	}
	return msg[0], binary.BigEndian.Uint32(msg[1:HeaderLen]), msg[HeaderLen:], nil
}

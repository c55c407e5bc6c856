package pybridge

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts envelopes to and from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MsgpackCodec is the codec of the in-process channel.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes maps with string keys into map[string]any, the shape the
// envelope parser expects.
func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// JSONCodec is the codec of the remote transports.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal keeps numbers as json.Number, so integers beyond 2^53 survive
// until fromWire converts them.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", ErrProtocol)
	}
	return nil
}

// Transport moves whole messages over a byte stream.
type Transport interface {
	// Send writes one complete message.
	Send(data []byte) error

	// Receive reads one complete message.
	Receive() ([]byte, error)

	// Close closes both directions.
	Close() error
}

// maxFrameSize bounds a single frame so a corrupt length prefix cannot make
// the reader allocate without limit.
const maxFrameSize = 1 << 30

// FrameTransport frames messages with a 4-byte big-endian length prefix.
type FrameTransport struct {
	reader io.ReadCloser
	writer io.WriteCloser
	pool   *bufferPool
}

// NewFrameTransport frames messages over reader and writer.
func NewFrameTransport(reader io.ReadCloser, writer io.WriteCloser) *FrameTransport {
	return &FrameTransport{
		reader: reader,
		writer: writer,
		pool:   newBufferPool(8192, 8),
	}
}

func (ft *FrameTransport) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	buf := ft.pool.get()
	defer ft.pool.put(buf)

	// Header and body go out in one write when they fit the pooled buffer.
	if len(data)+4 <= cap(buf) {
		msg := buf[:4+len(data)]
		binary.BigEndian.PutUint32(msg[:4], uint32(len(data)))
		copy(msg[4:], data)
		_, err := ft.writer.Write(msg)
		return err
	}

	header := buf[:4]
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := ft.writer.Write(header); err != nil {
		return err
	}
	_, err := ft.writer.Write(data)
	return err
}

func (ft *FrameTransport) Receive() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(ft.reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrProtocol, length)
	}

	if int(length) <= ft.pool.size {
		buf := ft.pool.get()[:length]
		defer ft.pool.put(buf)
		if _, err := io.ReadFull(ft.reader, buf); err != nil {
			return nil, unexpectedEOF(err)
		}
		out := make([]byte, length)
		copy(out, buf)
		return out, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(ft.reader, data); err != nil {
		return nil, unexpectedEOF(err)
	}
	return data, nil
}

func (ft *FrameTransport) Close() error {
	return errors.Join(ft.writer.Close(), ft.reader.Close())
}

// LineTransport exchanges newline-delimited messages. Messages must not
// contain raw newlines, which holds for compact JSON.
type LineTransport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
}

// NewLineTransport frames messages as lines over conn.
func NewLineTransport(conn io.ReadWriteCloser) *LineTransport {
	return &LineTransport{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}
}

func (lt *LineTransport) Send(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("%w: message contains a newline", ErrProtocol)
	}
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, data...)
	msg = append(msg, '\n')
	_, err := lt.conn.Write(msg)
	return err
}

func (lt *LineTransport) Receive() ([]byte, error) {
	line, err := lt.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (lt *LineTransport) Close() error {
	return lt.conn.Close()
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// bufferPool recycles fixed-size buffers through a channel, without locks.
type bufferPool struct {
	pool chan []byte
	size int
}

func newBufferPool(size, count int) *bufferPool {
	p := &bufferPool{pool: make(chan []byte, count), size: size}
	for i := 0; i < count; i++ {
		p.pool <- make([]byte, size)
	}
	return p
}

func (p *bufferPool) get() []byte {
	select {
	case buf := <-p.pool:
		return buf
	default:
		return make([]byte, p.size)
	}
}

// put drops buffers of the wrong capacity and buffers that do not fit.
func (p *bufferPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	select {
	case p.pool <- buf[:p.size]:
	default:
	}
}

// syncTransport serializes exchanges so concurrent callers queue rather than
// interleave their requests and responses.
type syncTransport struct {
	mu sync.Mutex
	t  Transport
}

func (s *syncTransport) exchange(req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.t.Send(req); err != nil {
		return nil, err
	}
	return s.t.Receive()
}

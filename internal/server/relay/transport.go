// Package relay sits between the public front-ends and a client's
// control streams: it hands front-ends their entrypoints, demultiplexes
// many external connections onto one client, and shuttles bytes in both
// directions.
package relay

import (
	"bytes"
	"errors"
	"io"
)

// ChanCap is the capacity of every cross-task channel in the relay.
// Bounded buffers give natural backpressure: a slow consumer stalls its
// producer instead of growing an unbounded queue.
const ChanCap = 128

// eofMarker terminates the response byte stream of one connection.
// A known wart: it collides with a legitimate three-byte "EOF" payload.
var eofMarker = []byte("EOF")

// Payload is the message the relay sends a front-end to hand over or
// take back an entrypoint. A nil TX marks release; otherwise the
// front-end owns Entrypoint and delivers new connections on TX.
type Payload struct {
	TX         chan Connection
	Entrypoint string
}

// Connection represents one accepted external connection (an HTTP
// request or a TCP socket). The front-end that accepted it receives
// response traffic on TX.
type Connection struct {
	ID string
	TX chan XData
}

// XData is the closed set of values a front-end receives on
// Connection.TX: exactly one TxData first, then zero or more Data
// chunks.
type XData interface {
	isXData()
}

// TxData hands the front-end's request byte channel to the relay. Sent
// exactly once, before any Data.
type TxData struct {
	Ch chan []byte
}

func (TxData) isXData() {}

// Data is a chunk of response bytes from the client. An empty chunk is
// NOT a terminator; the "EOF" marker is.
type Data []byte

func (Data) isXData() {}

// IsEOF reports whether d is the stream terminator.
func (d Data) IsEOF() bool {
	return bytes.Equal([]byte(d), eofMarker)
}

// EOFData returns the terminator chunk.
func EOFData() Data {
	return Data(eofMarker)
}

// errUnexpectedTx is returned by DataReader when a second TxData shows
// up mid-stream.
var errUnexpectedTx = errors.New("relay: unexpected TX on established connection")

// ChunkWriter adapts a byte channel to io.WriteCloser so the standard
// copy routines can feed it. Close sends the empty terminal chunk the
// request drain loop watches for.
type ChunkWriter struct {
	ch     chan<- []byte
	closed bool
}

// NewChunkWriter wraps ch. The writer takes ownership of sending on ch;
// the caller must not send on it concurrently.
func NewChunkWriter(ch chan<- []byte) *ChunkWriter {
	return &ChunkWriter{ch: ch}
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// Close terminates the byte stream with one empty chunk. Safe to call
// once; subsequent writes fail.
func (w *ChunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.ch <- nil
	return nil
}

// DataReader adapts a Connection.TX channel to io.Reader: Data chunks
// become the byte stream, the "EOF" marker (or channel close) becomes
// io.EOF. The initial TxData must already have been consumed.
type DataReader struct {
	ch  <-chan XData
	buf []byte
	err error
}

// NewDataReader wraps ch.
func NewDataReader(ch <-chan XData) *DataReader {
	return &DataReader{ch: ch}
}

func (r *DataReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		xd, ok := <-r.ch
		if !ok {
			r.err = io.EOF
			return 0, r.err
		}
		switch v := xd.(type) {
		case Data:
			if v.IsEOF() {
				r.err = io.EOF
				return 0, r.err
			}
			r.buf = []byte(v)
		case TxData:
			r.err = errUnexpectedTx
			return 0, r.err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

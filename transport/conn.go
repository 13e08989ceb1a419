package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const readChunkSize = 32 * 1024

// Plain net.Conn, reads are delivered as whatever the kernel hands us
type streamConn struct {
	conn      net.Conn
	buf       []byte
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{conn: conn, buf: make([]byte, readChunkSize)}
}

func (c *streamConn) ReadChunk() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		// The session copies what it keeps, but callers may hold on to chunks
		return append([]byte(nil), c.buf[:n]...), nil
	}
	return nil, err
}

// net.Conn.Write only returns without error once everything is written
func (c *streamConn) Send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// One websocket message per chunk. gorilla allows only one concurrent writer, so writes are
// serialized here.
type websocketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWebsocketConn(conn *websocket.Conn) *websocketConn {
	return &websocketConn{conn: conn}
}

func (c *websocketConn) ReadChunk() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		// websockify only ever sends binary frames on the "binary" subprotocol
		if messageType == websocket.BinaryMessage && len(data) > 0 {
			return data, nil
		}
	}
}

func (c *websocketConn) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		// WriteControl may be called concurrently with WriteMessage
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *websocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// A read error that is just the stream ending normally
func IsCleanClose(err error) bool {
	if err == nil {
		return true
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

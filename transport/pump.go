package transport

import (
	"context"
)

// Receiver is the consuming side of a Conn, satisfied by *rfb.Session
type Receiver interface {
	Receive(chunk []byte) error
	TransportClosed(err error)
}

// Pump delivers every inbound chunk of conn to r, in order and one at a time, until the
// stream ends, r fails, or ctx is done. The end of the stream is always reported to r.
// Returns nil for a clean close.
func Pump(ctx context.Context, conn Conn, r Receiver) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		chunk, err := conn.ReadChunk()
		if err != nil {
			if ctx.Err() != nil || IsCleanClose(err) {
				r.TransportClosed(nil)
				return nil
			}

			r.TransportClosed(err)
			return err
		}

		if err := r.Receive(chunk); err != nil {
			_ = conn.Close()
			r.TransportClosed(nil)
			return err
		}
	}
}

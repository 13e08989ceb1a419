// Package vnctest runs a scripted RFB 3.8 server for tests.
package vnctest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/regginator/vconsole/rfb"
)

type Config struct {
	Password string // VNC Authentication if set, None otherwise
	Width    uint16
	Height   uint16
	Name     string

	// Written in pieces of this many bytes to exercise reassembly, whole messages if zero
	WriteChunk int
}

// Server accepts connections on a loopback port and runs the handshake on each
type Server struct {
	cfg      Config
	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	requests int
	results  []error

	// Receives once per framebuffer update request read
	Requests chan struct{}
}

func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("vnctest: listen: %s", err)
	}

	s := &Server{cfg: cfg, listener: listener, Requests: make(chan struct{}, 64)}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

// Results of every finished connection, nil for clean client disconnects
func (s *Server) Results() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.results...)
}

func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()

			err := s.Handle(conn)
			s.mu.Lock()
			s.results = append(s.results, err)
			s.mu.Unlock()
		}()
	}
}

// Handle runs the server side of one connection until the client goes away
func (s *Server) Handle(rw io.ReadWriter) error {
	if err := s.write(rw, []byte("RFB 003.008\n")); err != nil {
		return err
	}

	version := make([]byte, 12)
	if _, err := io.ReadFull(rw, version); err != nil {
		return fmt.Errorf("ProtocolVersion: %w", err)
	} else if string(version) != rfb.ClientVersion {
		return fmt.Errorf("ProtocolVersion: unexpected client version %q", version)
	}

	secType := rfb.SecurityTypeNone
	if s.cfg.Password != "" {
		secType = rfb.SecurityTypeVNCAuth
	}
	if err := s.write(rw, []byte{2, byte(rfb.SecurityTypeTight), byte(secType)}); err != nil {
		return err
	}

	chosen := make([]byte, 1)
	if _, err := io.ReadFull(rw, chosen); err != nil {
		return fmt.Errorf("SecurityType: %w", err)
	} else if rfb.SecurityType(chosen[0]) != secType {
		return fmt.Errorf("SecurityType: client chose %d", chosen[0])
	}

	status := []byte{0, 0, 0, 0}
	if secType == rfb.SecurityTypeVNCAuth {
		ok, err := s.challenge(rw)
		if err != nil {
			return err
		}
		if !ok {
			return s.write(rw, []byte{0, 0, 0, 1, 0, 0, 0, 14, 'A', 'u', 't', 'h', 'e', 'n', 't', 'i', 'c', 'a', 't', 'i', 'o', 'n'})
		}
	}
	if err := s.write(rw, status); err != nil {
		return err
	}

	clientInit := make([]byte, 1)
	if _, err := io.ReadFull(rw, clientInit); err != nil {
		return fmt.Errorf("ClientInit: %w", err)
	}

	if err := s.write(rw, s.serverInit()); err != nil {
		return err
	}

	return s.serveRequests(rw)
}

func (s *Server) challenge(rw io.ReadWriter) (bool, error) {
	challenge := []byte("0123456789abcdef")
	if err := s.write(rw, challenge); err != nil {
		return false, err
	}

	response := make([]byte, rfb.ChallengeSize)
	if _, err := io.ReadFull(rw, response); err != nil {
		return false, fmt.Errorf("VNCAuth: %w", err)
	}

	expected, err := rfb.ComputeAuthResponse([]byte(s.cfg.Password), challenge)
	if err != nil {
		return false, err
	}
	return bytes.Equal(expected, response), nil
}

func (s *Server) serverInit() []byte {
	msg := make([]byte, 24, 24+len(s.cfg.Name))
	binary.BigEndian.PutUint16(msg[0:2], s.cfg.Width)
	binary.BigEndian.PutUint16(msg[2:4], s.cfg.Height)
	msg[4], msg[5], msg[7] = 32, 24, 1
	binary.BigEndian.PutUint16(msg[8:10], 255)
	binary.BigEndian.PutUint16(msg[10:12], 255)
	binary.BigEndian.PutUint16(msg[12:14], 255)
	msg[14], msg[15], msg[16] = 16, 8, 0
	binary.BigEndian.PutUint32(msg[20:24], uint32(len(s.cfg.Name)))
	return append(msg, s.cfg.Name...)
}

// Answer every FramebufferUpdateRequest with a 1x1 raw update followed by a Bell
func (s *Server) serveRequests(rw io.ReadWriter) error {
	request := make([]byte, 10)
	for {
		if _, err := io.ReadFull(rw, request); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if request[0] != 3 {
			return fmt.Errorf("ClientMessage: unexpected type %d", request[0])
		}

		s.mu.Lock()
		s.requests++
		s.mu.Unlock()

		select {
		case s.Requests <- struct{}{}:
		default:
		}

		update := []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 1, 0, 1, 0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef, 2}
		if err := s.write(rw, update); err != nil {
			return nil
		}
	}
}

func (s *Server) write(w io.Writer, b []byte) error {
	chunk := s.cfg.WriteChunk
	if chunk <= 0 {
		chunk = len(b)
	}

	for len(b) > 0 {
		n := min(chunk, len(b))
		if _, err := w.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

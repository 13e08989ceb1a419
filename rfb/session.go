package rfb

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Light, event-driven implementation of the client side of RFC 6143 (protocol 3.8).
// https://datatracker.ietf.org/doc/html/rfc6143
//
// A Session never reads from the network itself. Whoever owns the byte stream feeds it with
// Receive, strictly in arrival order, and reports the end of the stream with TransportClosed.

const (
	DefaultRefreshInterval = time.Second
	DefaultMaxCutTextLen   = 1 << 20
	DefaultMaxNameLen      = 1 << 16
)

// Transport is the write half of the duplex byte stream a session runs over
type Transport interface {
	Send(b []byte) error
	Close() error
}

// Handler receives session events. Calls are made from the goroutine that drove the change,
// never while the session is locked, so a handler may call back into the session.
type Handler interface {
	Connected(info ServerInfo)
	Disconnected(reason DisconnectReason)
	ProtocolError(err *Error)
	FramebufferUpdate(update FramebufferUpdate)
	Bell()
	CutText(text string)
}

// NopHandler ignores every event, embed it to implement only what you need
type NopHandler struct{}

func (NopHandler) Connected(ServerInfo) {}
func (NopHandler) Disconnected(DisconnectReason) {}
func (NopHandler) ProtocolError(*Error) {}
func (NopHandler) FramebufferUpdate(FramebufferUpdate) {}
func (NopHandler) Bell() {}
func (NopHandler) CutText(string) {}

type Config struct {
	Password []byte // Used once for VNC Authentication, wiped afterwards

	// Period of the FramebufferUpdateRequest refresh, DefaultRefreshInterval if zero.
	// Negative disables the refresh after the initial request
	RefreshInterval time.Duration

	Exclusive bool       // Ask the server to disconnect other clients (ClientInit shared-flag 0)
	Encodings []Encoding // Sent as SetEncodings on connect if not empty

	MaxCutTextLen int // DefaultMaxCutTextLen if zero
	MaxNameLen    int // DefaultMaxNameLen if zero

	Logger      *pterm.Logger // Discards everything if nil
	PacketDebug bool          // Enables 2-way logging of packet hex dumps for debugging
	Observer    Observer
}

type Session struct {
	mu sync.Mutex

	transport Transport
	handler   Handler
	logger    *pterm.Logger
	observer  Observer

	refreshInterval time.Duration
	exclusive       bool
	encodings       []Encoding
	maxCutTextLen   int
	maxNameLen      int
	packetDebug     bool

	stage   Stage
	inbound bytes.Buffer // Unparsed suffix of everything received

	password      []byte
	challenge     []byte
	offered       []SecurityType
	secType       SecurityType
	authenticated bool
	info          ServerInfo
	update        *updateReader
	requested     bool

	stopRefresh chan struct{}
	refreshDone chan struct{}

	closed bool
	err    *Error
	events []func()
}

func NewSession(transport Transport, handler Handler, cfg Config) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("NewSession: transport is nil")
	}

	// A broken DES would only show up as "wrong password" much later, refuse up front
	if err := desSelfTest(); err != nil {
		return nil, fmt.Errorf("NewSession: %w", err)
	}

	for _, enc := range cfg.Encodings {
		if !enc.Supported() {
			return nil, fmt.Errorf("NewSession: unsupported encoding %s", enc)
		}
	}

	if handler == nil {
		handler = NopHandler{}
	}

	s := &Session{
		transport:       transport,
		handler:         handler,
		logger:          cfg.Logger,
		observer:        cfg.Observer,
		refreshInterval: cfg.RefreshInterval,
		exclusive:       cfg.Exclusive,
		encodings:       append([]Encoding(nil), cfg.Encodings...),
		maxCutTextLen:   cfg.MaxCutTextLen,
		maxNameLen:      cfg.MaxNameLen,
		packetDebug:     cfg.PacketDebug,
		password:        append([]byte(nil), cfg.Password...),
		stage:           StageAwaitingVersion,
	}

	if s.logger == nil {
		s.logger = discardLogger()
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	if s.refreshInterval == 0 {
		s.refreshInterval = DefaultRefreshInterval
	}
	if s.maxCutTextLen <= 0 {
		s.maxCutTextLen = DefaultMaxCutTextLen
	}
	if s.maxNameLen <= 0 {
		s.maxNameLen = DefaultMaxNameLen
	}

	return s, nil
}

// Receive feeds the next chunk of the inbound stream. Chunks may be any size and split the
// stream anywhere. Returns the session's fatal error once it has failed.
func (s *Session) Receive(chunk []byte) error {
	s.mu.Lock()
	err := s.receive(chunk)
	events := s.takeEvents()
	s.mu.Unlock()

	dispatch(events)
	return err
}

func (s *Session) receive(chunk []byte) error {
	if s.err != nil {
		return s.err
	} else if s.closed {
		return ErrSessionClosed
	}

	s.observer.BytesReceived(len(chunk))
	s.dumpPacket("RECV", chunk)
	s.inbound.Write(chunk)

	for {
		progressed, err := s.step()
		if err != nil {
			return s.fail(err)
		} else if !progressed {
			return nil
		}
	}
}

// One transition function per stage. Returns false when the buffer doesn't hold the next
// unit yet.
func (s *Session) step() (bool, error) {
	switch s.stage {
	case StageAwaitingVersion:
		return s.readVersion()
	case StageAwaitingSecurityTypes:
		return s.readSecurityTypes()
	case StageAwaitingAuthChallenge:
		return s.readAuthChallenge()
	case StageAwaitingAuthResult:
		return s.readAuthResult()
	case StageAwaitingServerInit:
		return s.readServerInit()
	case StageNormal:
		return s.readMessage()
	}

	return false, protocolError(s.stage, "step", "session in unknown stage", nil)
}

func (s *Session) setStage(next Stage) {
	s.logger.Debug("Stage transition", s.logger.Args("from", s.stage.String(), "to", next.String()))
	s.observer.StageChanged(s.stage, next)
	s.stage = next
}

// RequestFramebufferUpdate sends a non-incremental FramebufferUpdateRequest for the whole
// framebuffer
func (s *Session) RequestFramebufferUpdate() error {
	s.mu.Lock()
	err := s.requestUpdate()
	events := s.takeEvents()
	s.mu.Unlock()

	dispatch(events)
	return err
}

func (s *Session) requestUpdate() error {
	if s.err != nil {
		return s.err
	} else if s.closed {
		return ErrSessionClosed
	} else if s.stage != StageNormal {
		return ErrNotNormal
	}

	if err := s.send("FramebufferUpdateRequest", framebufferUpdateRequest(s.info.Width, s.info.Height)); err != nil {
		return s.fail(err)
	}

	s.requested = true
	return nil
}

// Disconnect tears the session down from the caller's side
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	err := s.teardown(DisconnectReason{Clean: true}, true)
	events := s.takeEvents()
	s.mu.Unlock()

	s.waitRefresh()
	dispatch(events)
	return err
}

// TransportClosed reports the end of the inbound stream. A nil err means a clean close.
func (s *Session) TransportClosed(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	reason := DisconnectReason{Clean: err == nil}
	if err != nil {
		reason.Err = newError(KindTransportClosed, s.stage, "TransportClosed", "transport closed", nil, err)
	}

	// The transport is already gone, nothing may be sent or closed on it
	_ = s.teardown(reason, false)
	events := s.takeEvents()
	s.mu.Unlock()

	s.waitRefresh()
	dispatch(events)
}

// Record err as the session's fatal error and tear everything down. Transport failures
// only end the session, protocol failures are surfaced through ProtocolError first.
func (s *Session) fail(err error) error {
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		sessErr = newError(KindProtocol, s.stage, "step", "internal error", nil, err)
	}

	if s.err != nil {
		return s.err
	}
	s.err = sessErr

	if sessErr.Kind != KindTransportClosed {
		s.logger.Error("Session failed", s.logger.Args("kind", sessErr.Kind.String(), "stage", sessErr.Stage.String(), "error", sessErr.Error()))
		s.queue(func() { s.handler.ProtocolError(sessErr) })
		if s.stage != StageNormal {
			s.observer.HandshakeFinished(s.secType, sessErr)
		}
	}

	_ = s.teardown(DisconnectReason{Err: sessErr}, true)
	return sessErr
}

func (s *Session) teardown(reason DisconnectReason, closeTransport bool) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.stopRefresh != nil {
		close(s.stopRefresh)
		s.stopRefresh = nil
	}

	s.inbound.Reset()
	s.update = nil
	clear(s.challenge)
	s.challenge = nil
	clear(s.password)
	s.password = nil

	var err error
	if closeTransport {
		err = s.transport.Close()
	}

	s.logger.Info("Session closed", s.logger.Args("stage", s.stage.String(), "clean", reason.Clean))
	s.queue(func() { s.handler.Disconnected(reason) })
	return err
}

// Send one protocol unit. A failed send is a dead transport, not a protocol error.
func (s *Session) send(op string, b []byte) error {
	if s.closed {
		return ErrSessionClosed
	}

	if err := s.transport.Send(b); err != nil {
		return newError(KindTransportClosed, s.stage, op, "failed to send", nil, err)
	}

	s.dumpPacket("SEND", b)
	s.observer.BytesSent(len(b))
	return nil
}

func (s *Session) startRefresh() {
	if s.refreshInterval < 0 || s.stopRefresh != nil {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopRefresh = stop
	s.refreshDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.RequestFramebufferUpdate(); err != nil {
					return
				}
			}
		}
	}()
}

// Waits for the refresh goroutine to exit. Only safe without the lock held.
func (s *Session) waitRefresh() {
	s.mu.Lock()
	done := s.refreshDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Session) queue(event func()) {
	s.events = append(s.events, event)
}

func (s *Session) takeEvents() []func() {
	events := s.events
	s.events = nil
	return events
}

func dispatch(events []func()) {
	for _, event := range events {
		event()
	}
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// ServerVersion is the version from the server's banner, e.g. "003.008", empty before it
// arrives
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ProtoVer
}

// Security types the server offered, in its order
func (s *Session) OfferedSecurityTypes() []SecurityType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.offered)
}

// SecurityType negotiated with the server, SecurityTypeInvalid before negotiation
func (s *Session) SecurityType() SecurityType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secType
}

func (s *Session) FramebufferSize() (width, height uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Width, s.info.Height
}

func (s *Session) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Name
}

// Err returns the fatal error of a failed session, nil otherwise
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

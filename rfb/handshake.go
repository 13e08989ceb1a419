package rfb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/regginator/vconsole/util"
)

const (
	versionLen    = 12
	serverInitLen = 24
)

// "RFB xxx.yyy\n" with decimal digits
func validBanner(b []byte) bool {
	if len(b) != versionLen || !bytes.Equal(b[0:4], []byte("RFB ")) || b[7] != '.' || b[11] != '\n' {
		return false
	}

	for _, i := range []int{4, 5, 6, 8, 9, 10} {
		if b[i] < '0' || b[i] > '9' {
			return false
		}
	}
	return true
}

func (s *Session) readVersion() (bool, error) {
	if s.inbound.Len() < versionLen {
		return false, nil
	}

	banner := s.inbound.Next(versionLen)
	if !validBanner(banner) {
		return false, protocolError(s.stage, "ProtocolVersion", "invalid RFB banner", banner)
	}

	s.info.ProtoVer = string(banner[4:11])
	s.logger.Info("Server protocol version", s.logger.Args("version", s.info.ProtoVer))

	if s.info.ProtoVer < RfbProtoVer_3_8 {
		// The exchange below is the 3.8 one regardless, older servers will likely fail it
		s.logger.Warn("Server reports a protocol version older than 3.8", s.logger.Args("version", s.info.ProtoVer))
	}

	// Send server the protocol we are going to use
	if err := s.send("ProtocolVersion", []byte(ClientVersion)); err != nil {
		return false, err
	}

	s.setStage(StageAwaitingSecurityTypes)
	return true, nil
}

func (s *Session) readSecurityTypes() (bool, error) {
	buf := s.inbound.Bytes()
	if len(buf) < 1 {
		return false, nil
	}

	/*
		If number-of-security-types is zero, then for some reason the
		connection failed (e.g., the server cannot support the desired
		protocol version).  This is followed by a string describing the
		reason (where a string is specified as a length followed by that many
		ASCII characters)
	*/
	numSecTypes := int(buf[0])
	if numSecTypes == 0 {
		err := newError(KindSecurityNegotiationFailed, s.stage, "SecurityHandshakeOptions", "no security types returned", buf[:1], nil)
		if reason, _, ok := util.PeekU32String(buf[1:], binary.BigEndian); ok {
			err.Reason = reason
		}
		return false, err
	}

	if len(buf) < 1+numSecTypes {
		return false, nil
	}

	offered := make([]SecurityType, numSecTypes)
	for i := range offered {
		offered[i] = SecurityType(buf[1+i])
	}
	raw := s.inbound.Next(1 + numSecTypes)
	s.offered = offered

	s.logger.Debug("Server offered security types", s.logger.Args("types", offered))

	var chosen SecurityType
	switch {
	case slices.Contains(offered, SecurityTypeVNCAuth):
		chosen = SecurityTypeVNCAuth
	case slices.Contains(offered, SecurityTypeNone):
		chosen = SecurityTypeNone
	default:
		return false, newError(KindUnsupportedSecurityType, s.stage, "SecurityHandshakeOptions",
			fmt.Sprintf("no supported security type in %v", offered), raw, nil)
	}

	// Tell server which auth type we are using
	if err := s.send("SecurityHandshakeResponse", []byte{byte(chosen)}); err != nil {
		return false, err
	}

	s.secType = chosen
	s.info.SecurityType = chosen

	if chosen == SecurityTypeVNCAuth {
		s.setStage(StageAwaitingAuthChallenge)
	} else {
		s.setStage(StageAwaitingAuthResult)
	}
	return true, nil
}

func (s *Session) readAuthChallenge() (bool, error) {
	if s.inbound.Len() < ChallengeSize {
		return false, nil
	}

	s.challenge = append(s.challenge[:0], s.inbound.Next(ChallengeSize)...)
	if bytes.Equal(s.challenge, make([]byte, ChallengeSize)) {
		s.logger.Warn("DES challenge is all 0s, server is likely a honeypot")
	}

	response, err := ComputeAuthResponse(s.password, s.challenge)

	// The challenge and the password are single use
	clear(s.challenge)
	s.challenge = nil
	clear(s.password)
	s.password = nil

	if err != nil {
		return false, newError(KindProtocol, s.stage, "BasicAuthChallengeResponse", "failed to compute challenge response", nil, err)
	}

	if err := s.send("BasicAuthChallengeResponse", response); err != nil {
		return false, err
	}

	s.setStage(StageAwaitingAuthResult)
	return true, nil
}

func (s *Session) readAuthResult() (bool, error) {
	buf := s.inbound.Bytes()
	if len(buf) < 4 {
		return false, nil
	}

	statusCode := binary.BigEndian.Uint32(buf)
	if statusCode != 0 {
		err := newError(KindAuthenticationFailed, s.stage, "SecurityResult",
			fmt.Sprintf("status code %d", statusCode), buf[:4], nil)
		if reason, _, ok := util.PeekU32String(buf[4:], binary.BigEndian); ok {
			err.Reason = reason
		}
		return false, err
	}
	s.inbound.Next(4)
	s.authenticated = true

	shared := byte(1)
	if s.exclusive {
		shared = 0
	}

	if err := s.send("ClientInit", []byte{shared}); err != nil {
		return false, err
	}

	s.setStage(StageAwaitingServerInit)
	return true, nil
}

func (s *Session) readServerInit() (bool, error) {
	buf := s.inbound.Bytes()
	if len(buf) < serverInitLen {
		return false, nil
	}

	nameLen := binary.BigEndian.Uint32(buf[20:24])
	if uint64(nameLen) > uint64(s.maxNameLen) {
		return false, protocolError(s.stage, "ServerInit",
			fmt.Sprintf("desktop name length (%d) over limit (%d)", nameLen, s.maxNameLen), buf[:serverInitLen])
	}

	// The name has to be consumed too or every following message is misaligned
	total := serverInitLen + int(nameLen)
	if len(buf) < total {
		return false, nil
	}

	msg := s.inbound.Next(total)
	s.info.Width = binary.BigEndian.Uint16(msg[0:2])
	s.info.Height = binary.BigEndian.Uint16(msg[2:4])
	s.info.PixelFormat = parsePixelFormat(msg[4:20])
	s.info.Name = util.Latin1(msg[serverInitLen:])

	s.setStage(StageNormal)
	return true, s.enterNormal()
}

func parsePixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:6]),
		GreenMax:     binary.BigEndian.Uint16(b[6:8]),
		BlueMax:      binary.BigEndian.Uint16(b[8:10]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

func (s *Session) enterNormal() error {
	s.logger.Info("Connected", s.logger.Args(
		"width", s.info.Width,
		"height", s.info.Height,
		"bpp", s.info.PixelFormat.BitsPerPixel,
		"name", s.info.Name,
	))

	if len(s.encodings) > 0 {
		if err := s.send("SetEncodings", setEncodings(s.encodings)); err != nil {
			return err
		}
	}

	if !s.requested {
		if err := s.send("FramebufferUpdateRequest", framebufferUpdateRequest(s.info.Width, s.info.Height)); err != nil {
			return err
		}
		s.requested = true
	}

	s.startRefresh()
	s.observer.HandshakeFinished(s.secType, nil)

	info := s.info
	s.queue(func() { s.handler.Connected(info) })
	return nil
}

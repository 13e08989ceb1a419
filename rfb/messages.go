package rfb

import (
	"encoding/binary"
	"fmt"

	"github.com/regginator/vconsole/util"
)

// Normal stage: dispatch on the message-type byte. Every message is consumed in full, so the
// buffer always starts at a message boundary (or inside a FramebufferUpdate being skipped).
func (s *Session) readMessage() (bool, error) {
	if s.update != nil {
		return s.readUpdate()
	}

	buf := s.inbound.Bytes()
	if len(buf) < 1 {
		return false, nil
	}

	switch buf[0] {
	case msgFramebufferUpdate:
		// u8 type, u8 padding, u16 number-of-rectangles
		if len(buf) < 4 {
			return false, nil
		}

		numRects := binary.BigEndian.Uint16(buf[2:4])
		s.inbound.Next(4)
		s.update = &updateReader{remaining: int(numRects), rects: make([]Rectangle, 0, numRects)}
		return true, nil

	case msgSetColourMapEntries:
		// u8 type, u8 padding, u16 first-colour, u16 number-of-colours, then 6 bytes per colour
		if len(buf) < 6 {
			return false, nil
		}

		numColours := int(binary.BigEndian.Uint16(buf[4:6]))
		total := 6 + numColours*6
		if len(buf) < total {
			return false, nil
		}

		s.inbound.Next(total)
		s.logger.Debug("Skipped SetColourMapEntries", s.logger.Args("colours", numColours))
		return true, nil

	case msgBell:
		s.inbound.Next(1)
		s.queue(func() { s.handler.Bell() })
		return true, nil

	case msgServerCutText:
		// u8 type, 3 bytes padding, u32 length, then Latin-1 text
		if len(buf) < 8 {
			return false, nil
		}

		textLen := binary.BigEndian.Uint32(buf[4:8])
		if uint64(textLen) > uint64(s.maxCutTextLen) {
			return false, protocolError(s.stage, "ServerCutText",
				fmt.Sprintf("text length (%d) over limit (%d)", textLen, s.maxCutTextLen), buf[:8])
		}

		total := 8 + int(textLen)
		if len(buf) < total {
			return false, nil
		}

		text := util.Latin1(s.inbound.Next(total)[8:])
		s.queue(func() { s.handler.CutText(text) })
		return true, nil
	}

	return false, protocolError(s.stage, "ServerMessage", fmt.Sprintf("unknown message type (%d)", buf[0]), buf[:1])
}

// u8 type, u8 incremental, u16 x, u16 y, u16 width, u16 height
func framebufferUpdateRequest(width, height uint16) []byte {
	msg := make([]byte, 10)
	msg[0] = msgFramebufferUpdateRequest
	msg[1] = 0
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint16(msg[4:6], 0)
	binary.BigEndian.PutUint16(msg[6:8], width)
	binary.BigEndian.PutUint16(msg[8:10], height)
	return msg
}

// u8 type, u8 padding, u16 number-of-encodings, then s32 per encoding
func setEncodings(encodings []Encoding) []byte {
	msg := make([]byte, 4+4*len(encodings))
	msg[0] = msgSetEncodings
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(encodings)))
	for i, enc := range encodings {
		binary.BigEndian.PutUint32(msg[4+4*i:], uint32(enc))
	}
	return msg
}

package rfb

import (
	"encoding/binary"
	"fmt"
)

const (
	rectHeaderLen = 12
	hextileSize   = 16
)

// Hextile subencoding bits
const (
	hextileRaw                 = 1 << 0
	hextileBackgroundSpecified = 1 << 1
	hextileForegroundSpecified = 1 << 2
	hextileAnySubrects         = 1 << 3
	hextileSubrectsColoured    = 1 << 4
)

type updatePhase uint8

const (
	phaseRectHeader updatePhase = iota
	phaseSkip                   // Discarding a known number of payload bytes
	phaseRREHeader
	phaseHextileTile
)

// Progress through one FramebufferUpdate. Pixel data is never kept, only its length is
// accounted for, which is what keeps the stream aligned on the next message.
type updateReader struct {
	phase     updatePhase
	remaining int // Rectangles whose header hasn't been read yet
	rects     []Rectangle
	skip      int

	// Hextile tile cursor, relative to the current rectangle
	tileX, tileY int
}

func (u *updateReader) current() Rectangle {
	return u.rects[len(u.rects)-1]
}

func (s *Session) readUpdate() (bool, error) {
	u := s.update

	switch u.phase {
	case phaseRectHeader:
		if u.remaining == 0 {
			s.finishUpdate()
			return true, nil
		}
		if s.inbound.Len() < rectHeaderLen {
			return false, nil
		}
		return true, s.readRectHeader(u)

	case phaseSkip:
		n := min(u.skip, s.inbound.Len())
		if n == 0 {
			return false, nil
		}

		s.inbound.Next(n)
		u.skip -= n
		if u.skip == 0 {
			u.phase = phaseRectHeader
		}
		return true, nil

	case phaseRREHeader:
		// u32 number-of-subrectangles, background pixel, then per subrect a pixel and x, y, w, h
		bpp, err := s.bytesPerPixel("RRE")
		if err != nil {
			return false, err
		}

		buf := s.inbound.Bytes()
		if len(buf) < 4+bpp {
			return false, nil
		}

		numSubrects := binary.BigEndian.Uint32(buf[0:4])
		rect := u.current()
		if uint64(numSubrects) > uint64(rect.Width)*uint64(rect.Height) {
			return false, protocolError(s.stage, "RRE", fmt.Sprintf("subrectangle count (%d) larger than rectangle area", numSubrects), buf[:4])
		}

		s.inbound.Next(4 + bpp)
		u.skip = int(numSubrects) * (bpp + 8)
		u.phase = phaseSkip
		if u.skip == 0 {
			u.phase = phaseRectHeader
		}
		return true, nil

	case phaseHextileTile:
		return s.readHextileTile(u)
	}

	return false, protocolError(s.stage, "FramebufferUpdate", "unknown update phase", nil)
}

func (s *Session) readRectHeader(u *updateReader) error {
	header := s.inbound.Next(rectHeaderLen)
	rect := Rectangle{
		X:        binary.BigEndian.Uint16(header[0:2]),
		Y:        binary.BigEndian.Uint16(header[2:4]),
		Width:    binary.BigEndian.Uint16(header[4:6]),
		Height:   binary.BigEndian.Uint16(header[6:8]),
		Encoding: Encoding(int32(binary.BigEndian.Uint32(header[8:12]))),
	}

	u.remaining--
	u.rects = append(u.rects, rect)

	switch rect.Encoding {
	case EncodingRaw:
		bpp, err := s.bytesPerPixel("Raw")
		if err != nil {
			return err
		}
		u.skip = int(rect.Width) * int(rect.Height) * bpp

	case EncodingCopyRect:
		// u16 src-x, u16 src-y
		u.skip = 4

	case EncodingRRE:
		u.phase = phaseRREHeader
		return nil

	case EncodingHextile:
		u.tileX, u.tileY = 0, 0
		u.phase = phaseHextileTile
		return nil

	default:
		return protocolError(s.stage, "FramebufferUpdate", fmt.Sprintf("unsupported rectangle encoding %s", rect.Encoding), header)
	}

	u.phase = phaseSkip
	if u.skip == 0 {
		u.phase = phaseRectHeader
	}
	return nil
}

// Hextile tiles are small, each one is consumed only once it is fully buffered
func (s *Session) readHextileTile(u *updateReader) (bool, error) {
	rect := u.current()
	if u.tileY >= int(rect.Height) || rect.Width == 0 {
		u.phase = phaseRectHeader
		return true, nil
	}

	bpp, err := s.bytesPerPixel("Hextile")
	if err != nil {
		return false, err
	}

	buf := s.inbound.Bytes()
	if len(buf) < 1 {
		return false, nil
	}

	subencoding := buf[0]
	if subencoding > 0x1f {
		return false, protocolError(s.stage, "Hextile", fmt.Sprintf("invalid subencoding (0x%02x)", subencoding), buf[:1])
	}

	tileW := min(hextileSize, int(rect.Width)-u.tileX)
	tileH := min(hextileSize, int(rect.Height)-u.tileY)

	size := 1
	if subencoding&hextileRaw != 0 {
		size += tileW * tileH * bpp
	} else {
		if subencoding&hextileBackgroundSpecified != 0 {
			size += bpp
		}
		if subencoding&hextileForegroundSpecified != 0 {
			size += bpp
		}
		if subencoding&hextileAnySubrects != 0 {
			if len(buf) < size+1 {
				return false, nil
			}

			// u8 number-of-subrectangles, then an optional pixel plus packed xy and wh bytes
			perSubrect := 2
			if subencoding&hextileSubrectsColoured != 0 {
				perSubrect += bpp
			}
			size += 1 + int(buf[size])*perSubrect
		}
	}

	if len(buf) < size {
		return false, nil
	}
	s.inbound.Next(size)

	u.tileX += hextileSize
	if u.tileX >= int(rect.Width) {
		u.tileX = 0
		u.tileY += tileH
	}
	return true, nil
}

func (s *Session) bytesPerPixel(op string) (int, error) {
	bpp := s.info.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return 0, protocolError(s.stage, op, fmt.Sprintf("unsupported bits-per-pixel (%d)", s.info.PixelFormat.BitsPerPixel), nil)
	}
	return bpp, nil
}

func (s *Session) finishUpdate() {
	update := FramebufferUpdate{Rectangles: s.update.rects}
	s.update = nil

	s.logger.Debug("Framebuffer update received", s.logger.Args("rectangles", len(update.Rectangles)))
	s.observer.FramebufferUpdated(len(update.Rectangles))
	s.queue(func() { s.handler.FramebufferUpdate(update) })
}

package rfb

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func discardLogger() *pterm.Logger {
	return pterm.DefaultLogger.WithWriter(io.Discard).WithLevel(pterm.LogLevelError)
}

func (s *Session) dumpPacket(direction string, b []byte) {
	if !s.packetDebug || len(b) == 0 {
		return
	}

	s.logger.Debug(fmt.Sprintf("[%s] (%d bytes, stage %s)\n%s", direction, len(b), s.stage, hex.Dump(b)))
}

package rfb

import "fmt"

// Recognized protocol versions
const (
	RfbProtoVer_3_3 = "003.003"
	RfbProtoVer_3_7 = "003.007"
	RfbProtoVer_3_8 = "003.008"

	// Non-standard
	RfbProtoVer_3_889 = "003.889" // Apple remote desktop
)

// ClientVersion is the only version this client ever answers with
const ClientVersion = "RFB " + RfbProtoVer_3_8 + "\n"

// Stage of a session's handshake; the zero value is the initial stage
type Stage uint8

const (
	StageAwaitingVersion Stage = iota
	StageAwaitingSecurityTypes
	StageAwaitingAuthChallenge
	StageAwaitingAuthResult
	StageAwaitingServerInit
	StageNormal
)

func (s Stage) String() string {
	switch s {
	case StageAwaitingVersion:
		return "AwaitingVersion"
	case StageAwaitingSecurityTypes:
		return "AwaitingSecurityTypes"
	case StageAwaitingAuthChallenge:
		return "AwaitingAuthChallenge"
	case StageAwaitingAuthResult:
		return "AwaitingAuthResult"
	case StageAwaitingServerInit:
		return "AwaitingServerInit"
	case StageNormal:
		return "Normal"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Recognized VNC security types
type SecurityType uint8

const (
	SecurityTypeInvalid SecurityType = iota
	SecurityTypeNone                 // no auth
	SecurityTypeVNCAuth              // aka "VNC Authentication"

	// Non-standard auth types, only named for diagnostics
	// All of 3 to 15, as well as 128 to 255 are technically assigned to RealVNC, so skip iota by 13

	SecurityTypeTight SecurityType = iota + 13
	SecurityTypeUltra
	SecurityTypeTLS
	SecurityTypeVeNCrypt
	SecurityTypeGtkVncSasl
	SecurityTypeMD5Hash
	SecurityTypeColinDeanXvp
)

func (t SecurityType) String() string {
	switch t {
	case SecurityTypeInvalid:
		return "Invalid"
	case SecurityTypeNone:
		return "None"
	case SecurityTypeVNCAuth:
		return "VNC Authentication"
	case SecurityTypeTight:
		return "Tight"
	case SecurityTypeUltra:
		return "Ultra"
	case SecurityTypeTLS:
		return "TLS"
	case SecurityTypeVeNCrypt:
		return "VeNCrypt"
	case SecurityTypeGtkVncSasl:
		return "GTK-VNC SASL"
	case SecurityTypeMD5Hash:
		return "MD5 hash authentication"
	case SecurityTypeColinDeanXvp:
		return "Colin Dean xvp"
	default:
		return "Unknown"
	}
}

// Server-to-client message types
const (
	msgFramebufferUpdate   = 0
	msgSetColourMapEntries = 1
	msgBell                = 2
	msgServerCutText       = 3
)

// Client-to-server message types
const (
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
)

// Encoding identifies a rectangle encoding in a FramebufferUpdate
type Encoding int32

const (
	EncodingRaw      Encoding = 0
	EncodingCopyRect Encoding = 1
	EncodingRRE      Encoding = 2
	EncodingHextile  Encoding = 5
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "Raw"
	case EncodingCopyRect:
		return "CopyRect"
	case EncodingRRE:
		return "RRE"
	case EncodingHextile:
		return "Hextile"
	default:
		return fmt.Sprintf("Encoding(%d)", int32(e))
	}
}

// Supported reports whether the session can account for the payload length of e
func (e Encoding) Supported() bool {
	switch e {
	case EncodingRaw, EncodingCopyRect, EncodingRRE, EncodingHextile:
		return true
	}
	return false
}

// PixelFormat as sent in ServerInit. Only BitsPerPixel is interpreted, to size rectangle
// payloads.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// BytesPerPixel of the format, zero if the bit count is not one RFB allows
func (pf PixelFormat) BytesPerPixel() int {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
		return int(pf.BitsPerPixel) / 8
	}
	return 0
}

// ServerInfo is what a session knows about the server once it is connected
type ServerInfo struct {
	ProtoVer     string // Version the server reported in its banner
	SecurityType SecurityType
	Width        uint16
	Height       uint16
	PixelFormat  PixelFormat
	Name         string
}

// Rectangle header of a FramebufferUpdate. Pixel data is not kept.
type Rectangle struct {
	X, Y          uint16
	Width, Height uint16
	Encoding      Encoding
}

type FramebufferUpdate struct {
	Rectangles []Rectangle
}

// DisconnectReason tells a clean close apart from a transport failure
type DisconnectReason struct {
	Clean bool
	Err   error // *Error of KindTransportClosed when not clean
}

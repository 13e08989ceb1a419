package rfb

// Observer is told about session activity, mainly for metrics. Calls are made with the
// session locked and must not call back into it.
type Observer interface {
	StageChanged(from, to Stage)
	BytesReceived(n int)
	BytesSent(n int)
	// HandshakeFinished reports the outcome of the handshake, err is nil once connected
	HandshakeFinished(secType SecurityType, err *Error)
	FramebufferUpdated(rects int)
}

type NopObserver struct{}

func (NopObserver) StageChanged(Stage, Stage) {}
func (NopObserver) BytesReceived(int) {}
func (NopObserver) BytesSent(int) {}
func (NopObserver) HandshakeFinished(SecurityType, *Error) {}
func (NopObserver) FramebufferUpdated(int) {}

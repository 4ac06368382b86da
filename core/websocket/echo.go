package websocket

// Reply computes the default server reaction to msg: data frames are
// echoed, pings answered with pongs, and a close frame is answered with a
// close frame after which the connection is torn down.
func Reply(dst []byte, msg *Message) (out []byte, closeAfter bool) {
	switch msg.OpCode {
	case OpText, OpBinary, OpContinuation:
		return AppendFrame(dst, msg.Fin, msg.OpCode, msg.Payload), false
	case OpPing:
		return AppendFrame(dst, true, OpPong, msg.Payload), false
	case OpClose:
		code := msg.CloseCode()
		if code == closeStatusNoPayload {
			code = CloseNormal
		}
		return AppendClose(dst, code), true
	default:
		return dst, false
	}
}

// Busy is the frame sent instead of Reply when the server is overloaded
func Busy(dst []byte) []byte {
	return AppendFrame(dst, true, OpText, []byte("busy"))
}

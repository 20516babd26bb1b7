// Package hub provides a thread-safe websocket broadcast hub for
// pushing camera frames and status updates to dashboard clients.
// Slow clients are dropped rather than allowed to back up the
// pipeline.
package hub

// Kind classifies a broadcast message.
type Kind int

const (
	// KindStatus is a JSON-encoded session status payload.
	KindStatus Kind = iota
	// KindFrame is a binary JPEG frame.
	KindFrame
)

// Message is one payload queued for broadcast. Seq is the frame
// sequence number and is zero for status messages.
type Message struct {
	Kind Kind
	Seq  uint64
	Data []byte
}

// StatusMessage wraps a pre-encoded JSON status payload.
func StatusMessage(data []byte) Message {
	return Message{Kind: KindStatus, Data: data}
}

// FrameMessage wraps one encoded JPEG frame.
func FrameMessage(seq uint64, jpeg []byte) Message {
	return Message{Kind: KindFrame, Seq: seq, Data: jpeg}
}

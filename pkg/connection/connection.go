// Package connection implements the carrier side of a call: the Twilio
// Media Streams WebSocket protocol.
package connection

import (
	"errors"
	"time"
)

// ConnectionState represents the state of a carrier connection.
type ConnectionState int

const (
	// ConnectionStateNew - socket accepted, start event not seen yet
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnected - start event received, media flowing
	ConnectionStateConnected
	// ConnectionStateDisconnected - stop event received
	ConnectionStateDisconnected
	// ConnectionStateClosed - socket closed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType names a carrier event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventStop      EventType = "stop"
)

// Direction of a call relative to the relay.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// StartInfo is the call identity carried by the start event.
type StartInfo struct {
	StreamSid        string
	CallSid          string
	AccountSid       string
	Direction        Direction
	CustomParameters map[string]string
	Encoding         string
	SampleRate       int
}

// Event is one parsed inbound carrier message.
type Event struct {
	Type      EventType
	StreamSid string
	Received  time.Time

	Start *StartInfo

	// Media is decoded μ-law for EventMedia.
	Media    []byte
	Sequence int64

	// Mark is the echoed mark name for EventMark.
	Mark string

	// Digit is the key pressed for EventDTMF.
	Digit string
}

var (
	// ErrClosed is returned when writing to a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotStarted is returned when writing before the start event.
	ErrNotStarted = errors.New("stream not started")
)

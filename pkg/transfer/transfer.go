// Package transfer implements the out-of-band data channel used to pull an
// image from the file service to the client.
//
// The handshake runs over a dedicated TCP connection so control and data
// bytes never share a socket:
//
//	sender                                   receiver
//	  listen on the data port
//	  signal "go connect" (out of band) --->
//	                                    <--- connect
//	  target path                       --->
//	                                    <--- OK | NO
//	  raw bytes until close             --->   (only after OK)
//
// The target and reply strings use the configured wire codec; the content
// itself is raw bytes terminated by the sender closing the connection.
package transfer

import (
	"errors"
	"fmt"
)

// State tracks a handshake from the sender's point of view.
//
// Transitions on the success path are strictly forward:
//
//	Idle -> DataSocketOpen -> AwaitingClientConnect -> TargetSent
//	     -> Ready -> Streaming -> Complete
//
// TargetSent may instead end in Rejected when the client answers NO. Any I/O
// error, timeout or cancellation ends the handshake in Aborted from whatever
// state it had reached.
type State int

const (
	// Idle: no handshake has started, or a second one was refused with
	// ErrBusy.
	Idle State = iota

	// DataSocketOpen: the data listener is bound and its port is known.
	DataSocketOpen

	// AwaitingClientConnect: the begin-transfer signal was delivered and
	// the sender is blocked in Accept.
	AwaitingClientConnect

	// TargetSent: the client connected and received the target path.
	TargetSent

	// Ready: the client opened the target and answered OK.
	Ready

	// Rejected: the client could not open the target and answered NO. No
	// content byte was sent.
	Rejected

	// Streaming: content is being copied to the data connection.
	Streaming

	// Complete: the whole source was written and the connection closed.
	Complete

	// Aborted: the handshake failed; both ends close the connection.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DataSocketOpen:
		return "data_socket_open"
	case AwaitingClientConnect:
		return "awaiting_client_connect"
	case TargetSent:
		return "target_sent"
	case Ready:
		return "ready"
	case Rejected:
		return "rejected"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Complete || s == Rejected || s == Aborted
}

var (
	// ErrBusy is returned when a second handshake is attempted while one is
	// in flight. Only one transfer may run at a time system-wide.
	ErrBusy = errors.New("transfer: another transfer is in progress")

	// ErrRejected means the client could not open the target for writing.
	ErrRejected = errors.New("transfer: target rejected by client")
)

// Result describes how a handshake ended.
type Result struct {
	// State is the last state reached. It is always terminal, or Idle when
	// the sender was busy.
	State State

	// Port is the data port that was announced, 0 if none was opened.
	Port int

	// Bytes counts content bytes written to the data connection.
	Bytes int64

	// Err repeats the error returned by Send.
	Err error
}

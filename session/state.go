package session

import (
	"fmt"
	"time"
)

type State uint8

const (
	Idle State = iota
	AwaitingNetwork
	Handshaking
	Active
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingNetwork:
		return "awaiting-network"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", s)
}

type ConnectStatus uint8

const (
	ConnectStarted ConnectStatus = iota + 1
	ConnectInProgress
	ConnectAlreadyActive
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectStarted:
		return "started"
	case ConnectInProgress:
		return "already in progress"
	case ConnectAlreadyActive:
		return "already active"
	}
	return fmt.Sprintf("ConnectStatus(%d)", s)
}

// Err is non-nil for ConnectAlreadyActive only.
func (s ConnectStatus) Err() error {
	if s == ConnectAlreadyActive {
		return ErrAlreadyConnected
	}
	return nil
}

// Status is snapshot safe to read from any goroutine.
type Status struct {
	State        State
	Since        time.Time
	Broker       string
	ClientID     string
	Attempt      int
	Untrusted    bool
	LastError    error
	LastActivity time.Time
	Subscribed   []string
}

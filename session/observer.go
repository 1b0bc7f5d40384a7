package session

import (
	"context"
	"fmt"

	"github.com/temoto/mqttlink/command"
)

// Command is one parameter of command batch, or raw message on extra subscribed topic
// (then Key and UID are empty and Value is payload).
type Command struct {
	Topic     string
	UID       string
	Key       string // "<command id>.<param key>"
	Value     string
	Timestamp string
}

func (c Command) String() string {
	return fmt.Sprintf("%s = %s @ %s", c.Key, c.Value, c.Timestamp)
}

// Observers are called on session goroutine with ctx which allows
// calling Manager methods (including Disconnect) without deadlock.
// Observers must not block for long, session IO is paused meanwhile.

// CommandObserver error makes batch acknowledgment status KO.
type CommandObserver interface {
	OnCommand(ctx context.Context, c Command) error
}

// InstallObserver must eventually call Manager.Ack with request UID.
type InstallObserver interface {
	OnInstallRequest(ctx context.Context, r command.InstallRequest)
}

type EventObserver interface {
	OnSessionEvent(ctx context.Context, e Event)
}

type CommandFunc func(ctx context.Context, c Command) error
type InstallFunc func(ctx context.Context, r command.InstallRequest)
type EventFunc func(ctx context.Context, e Event)

func (f CommandFunc) OnCommand(ctx context.Context, c Command) error { return f(ctx, c) }
func (f InstallFunc) OnInstallRequest(ctx context.Context, r command.InstallRequest) {
	f(ctx, r)
}
func (f EventFunc) OnSessionEvent(ctx context.Context, e Event) { f(ctx, e) }

type EventKind uint8

const (
	EventState EventKind = iota + 1
	EventConnected
	EventDisconnected
	EventConnectFailed
	EventAckFailed
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect-failed"
	case EventAckFailed:
		return "ack-failed"
	}
	return fmt.Sprintf("EventKind(%d)", k)
}

type Event struct {
	Kind  EventKind
	State State
	// Err is cause of Disconnected (nil when explicit), ConnectFailed, AckFailed.
	Err error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s state=%s err=%v", e.Kind, e.State, e.Err)
	}
	return fmt.Sprintf("%s state=%s", e.Kind, e.State)
}

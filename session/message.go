package session

import (
	"github.com/256dpi/gomqtt/packet"
	"github.com/temoto/mqttlink/command"
)

// codecMessage is called by codec inside Yield or Publish, always on loop goroutine.
// Errors never propagate to codec, bad payload must not break session.
func (m *Manager) codecMessage(msg *packet.Message) error {
	m.touch()
	if msg.Topic != m.cur.TasksTopic {
		m.inbox.Pushf("%s: %s", msg.Topic, msg.Payload)
		if m.commands != nil {
			c := Command{Topic: msg.Topic, Value: string(msg.Payload)}
			if err := m.commands.OnCommand(m.loopCtx, c); err != nil {
				m.log.Errorf("topic=%s callback err=%v", msg.Topic, err)
			}
		}
		return nil
	}

	switch env := command.Decode(msg.Payload).(type) {
	case *command.Batch:
		m.onBatch(msg.Topic, env)

	case *command.InstallRequest:
		m.inbox.Push(env.String())
		if m.installs != nil {
			m.installs.OnInstallRequest(m.loopCtx, *env)
		} else {
			m.log.Errorf("%s no install handler, ack is caller duty", env.String())
		}

	case *command.Unrecognized:
		m.log.Debugf("topic=%s payload=%q %v", msg.Topic, msg.Payload, env.Err)
		m.inbox.Pushf("unrecognized payload topic=%s err=%v", msg.Topic, env.Err)
	}
	return nil
}

// onBatch calls observer once per param, then publishes exactly one ack.
func (m *Manager) onBatch(topic string, b *command.Batch) {
	if b.Truncated {
		m.log.Errorf("%s params over limit=%d ignored", b.String(), command.MaxParams)
	}
	if len(b.Params) == 0 {
		m.inbox.Push(b.String())
	}
	var first error
	for i, p := range b.Params {
		m.inbox.Pushf("%s.%s = %s @ %s", b.ID, p.Key, p.Value, b.Timestamp)
		if m.commands == nil {
			continue
		}
		c := Command{Topic: topic, UID: b.UID, Key: b.Key(i), Value: p.Value, Timestamp: b.Timestamp}
		if err := m.commands.OnCommand(m.loopCtx, c); err != nil {
			m.log.Errorf("command %s err=%v", c.Key, err)
			if first == nil {
				first = err
			}
		}
	}
	if err := m.publish(m.cur.AcksTopic, command.EncodeAck(b.UID, first)); err != nil {
		m.log.Errorf("ack uid=%s err=%v", b.UID, err)
		m.emit(Event{Kind: EventAckFailed, State: m.state, Err: err})
	}
}

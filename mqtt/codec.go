package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/mqttlink/helpers/atomic_clock"
	"github.com/temoto/mqttlink/log2"
	"github.com/temoto/mqttlink/transport"
)

const (
	DefaultKeepalive = 30 * time.Second
	DefaultTimeout   = 5 * time.Second
)

var ErrConnectionLost = errors.New("connection lost")

// Conn is satisfied by *transport.Conn.
type Conn interface {
	Send(b []byte, timeout time.Duration) (int, error)
	ReceiveExact(n int, timeout time.Duration) ([]byte, error)
	Close() error
}

type Options struct {
	ClientID     string
	Username     string
	Password     string
	Keepalive    time.Duration
	Timeout      time.Duration // single command round trip
	CleanSession bool
	Will         *packet.Message
	OnMessage    func(*packet.Message) error
	Log          *log2.Log
}

// Codec is synchronous MQTT 3.1.1 client session over Conn.
// - all methods are called from single goroutine, no background IO
// - Yield reads inbound packets and sends keepalive
// - publishes arriving while waiting for ack are delivered on next Yield
// - QOS 0,1,2 both directions, no in-flight storage across connections
type Codec struct {
	conn      Conn
	opt       Options
	connected bool
	lastID    packet.ID
	pending   []*packet.Message
	// inbound QOS 2 ids received and not yet released
	received map[packet.ID]struct{}

	lastSend atomic_clock.Clock
	lastRecv atomic_clock.Clock
	pingAt   atomic_clock.Clock // zero when no PINGREQ outstanding
}

func NewCodec(conn Conn, opt Options) *Codec {
	if opt.Keepalive < 0 {
		opt.Keepalive = 0
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	return &Codec{
		conn:     conn,
		opt:      opt,
		lastID:   packet.ID(time.Now().UnixNano()),
		received: make(map[packet.ID]struct{}),
	}
}

func (c *Codec) Connected() bool { return c.connected }

// Connect sends CONNECT and waits for CONNACK.
// Denied connection returns client.ErrClientConnectionDenied annotated with return code.
func (c *Codec) Connect(ctx context.Context) error {
	if c.connected {
		return errors.AlreadyExistsf("connection")
	}
	con := packet.NewConnect()
	con.ClientID = c.opt.ClientID
	con.KeepAlive = uint16(c.opt.Keepalive / time.Second)
	con.CleanSession = c.opt.CleanSession
	con.Username = c.opt.Username
	con.Password = c.opt.Password
	con.Will = c.opt.Will
	if err := c.send(con); err != nil {
		return errors.Annotate(err, "connect")
	}

	timeout := c.opt.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	pkt, err := c.receive(timeout)
	if err != nil {
		return errors.Annotate(err, "connect: expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
	}
	c.opt.Log.Debugf("CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	c.connected = true
	c.pingAt.Set(0)
	c.received = make(map[packet.ID]struct{})
	return nil
}

// Subscribe waits for SUBACK, broker refusal is client.ErrFailedSubscription.
func (c *Codec) Subscribe(topic string, qos packet.QOS) error {
	if !c.connected {
		return client.ErrClientNotConnected
	}
	sub := packet.NewSubscribe()
	sub.ID = c.nextID()
	sub.Subscriptions = []packet.Subscription{{Topic: topic, QOS: qos}}
	if err := c.send(sub); err != nil {
		return errors.Annotatef(err, "subscribe topic=%s", topic)
	}
	pkt, err := c.waitFor(packet.SUBACK, sub.ID)
	if err != nil {
		return errors.Annotatef(err, "subscribe topic=%s", topic)
	}
	suback := pkt.(*packet.Suback)
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			return errors.Annotatef(client.ErrFailedSubscription, "topic=%s", topic)
		}
	}
	return nil
}

func (c *Codec) Unsubscribe(topic string) error {
	if !c.connected {
		return client.ErrClientNotConnected
	}
	unsub := packet.NewUnsubscribe()
	unsub.ID = c.nextID()
	unsub.Topics = []string{topic}
	if err := c.send(unsub); err != nil {
		return errors.Annotatef(err, "unsubscribe topic=%s", topic)
	}
	if _, err := c.waitFor(packet.UNSUBACK, unsub.ID); err != nil {
		return errors.Annotatef(err, "unsubscribe topic=%s", topic)
	}
	return nil
}

// Publish returns after PUBACK (QOS 1) or PUBCOMP (QOS 2).
func (c *Codec) Publish(msg *packet.Message) error {
	if !c.connected {
		return client.ErrClientNotConnected
	}
	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS > packet.QOSAtMostOnce {
		pub.ID = c.nextID()
	}
	if err := c.send(pub); err != nil {
		return errors.Annotatef(err, "publish topic=%s", msg.Topic)
	}
	switch msg.QOS {
	case packet.QOSAtLeastOnce:
		if _, err := c.waitFor(packet.PUBACK, pub.ID); err != nil {
			return errors.Annotatef(err, "publish topic=%s", msg.Topic)
		}
	case packet.QOSExactlyOnce:
		if _, err := c.waitFor(packet.PUBREC, pub.ID); err != nil {
			return errors.Annotatef(err, "publish topic=%s", msg.Topic)
		}
		rel := packet.NewPubrel()
		rel.ID = pub.ID
		if err := c.send(rel); err != nil {
			return errors.Annotatef(err, "publish topic=%s", msg.Topic)
		}
		if _, err := c.waitFor(packet.PUBCOMP, pub.ID); err != nil {
			return errors.Annotatef(err, "publish topic=%s", msg.Topic)
		}
	}
	return nil
}

// Yield processes inbound packets for up to timeout and maintains keepalive.
// OnMessage is called for every received publish. Returned error means connection is unusable.
func (c *Codec) Yield(timeout time.Duration) error {
	if !c.connected {
		return client.ErrClientNotConnected
	}
	if err := c.deliverPending(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		// OnMessage may have called Disconnect
		if !c.connected {
			return nil
		}
		if err := c.keepalive(); err != nil {
			return err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if next := c.untilKeepalive(); next < left {
			left = next
		}
		pkt, err := c.receive(left)
		if err == errNoPacket {
			continue
		}
		if err != nil {
			return c.lost(err)
		}
		if err = c.handle(pkt); err != nil {
			return err
		}
		if err := c.deliverPending(); err != nil {
			return err
		}
	}
}

// Disconnect sends DISCONNECT if connected. Does not close Conn.
func (c *Codec) Disconnect() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	c.pending = nil
	return errors.Annotate(c.send(packet.NewDisconnect()), "disconnect")
}

func (c *Codec) keepalive() error {
	if c.opt.Keepalive == 0 {
		return nil
	}
	if !c.pingAt.IsZero() {
		if atomic_clock.Since(&c.pingAt) > c.opt.Keepalive {
			return c.lost(client.ErrClientMissingPong)
		}
		return nil
	}
	if atomic_clock.Since(&c.lastSend) >= c.opt.Keepalive {
		if err := c.send(packet.NewPingreq()); err != nil {
			return c.lost(err)
		}
		c.pingAt.SetNow()
	}
	return nil
}

// untilKeepalive returns time left until next PINGREQ or pong deadline.
func (c *Codec) untilKeepalive() time.Duration {
	if c.opt.Keepalive == 0 {
		return time.Duration(1<<63 - 1)
	}
	var d time.Duration
	if c.pingAt.IsZero() {
		d = c.opt.Keepalive - atomic_clock.Since(&c.lastSend)
	} else {
		d = c.opt.Keepalive - atomic_clock.Since(&c.pingAt) + time.Millisecond
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// waitFor reads packets until ack of type t with id arrives.
func (c *Codec) waitFor(t packet.Type, id packet.ID) (packet.Generic, error) {
	deadline := time.Now().Add(c.opt.Timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, errors.Timeoutf("expect %s id=%d", t, id)
		}
		pkt, err := c.receive(left)
		if err == errNoPacket {
			return nil, errors.Timeoutf("expect %s id=%d", t, id)
		}
		if err != nil {
			return nil, c.lost(err)
		}
		if pkt.Type() == t && packetID(pkt) == id {
			return pkt, nil
		}
		if err = c.handle(pkt); err != nil {
			return nil, err
		}
	}
}

// handle processes unsolicited packet, publishes are queued to pending.
func (c *Codec) handle(pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingresp:
		c.pingAt.Set(0)

	case *packet.Publish:
		switch pt.Message.QOS {
		case packet.QOSAtLeastOnce:
			ack := packet.NewPuback()
			ack.ID = pt.ID
			if err := c.send(ack); err != nil {
				return c.lost(err)
			}
		case packet.QOSExactlyOnce:
			rec := packet.NewPubrec()
			rec.ID = pt.ID
			if err := c.send(rec); err != nil {
				return c.lost(err)
			}
			if _, dup := c.received[pt.ID]; dup {
				c.opt.Log.Debugf("ignore redelivered publish id=%d topic=%s", pt.ID, pt.Message.Topic)
				return nil
			}
			c.received[pt.ID] = struct{}{}
		}
		msg := pt.Message
		c.pending = append(c.pending, &msg)

	case *packet.Pubrel:
		delete(c.received, pt.ID)
		comp := packet.NewPubcomp()
		comp.ID = pt.ID
		if err := c.send(comp); err != nil {
			return c.lost(err)
		}

	case *packet.Connack:
		return c.lost(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))

	default:
		c.opt.Log.Debugf("ignore unexpected %s", PacketString(pkt))
	}
	return nil
}

func (c *Codec) deliverPending() error {
	for len(c.pending) > 0 && c.connected {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		if c.opt.OnMessage == nil {
			continue
		}
		if err := c.opt.OnMessage(msg); err != nil {
			return errors.Annotatef(err, "OnMessage topic=%s", msg.Topic)
		}
	}
	return nil
}

func (c *Codec) lost(err error) error {
	if c.connected {
		c.opt.Log.Debugf("connection lost e=%v", err)
	}
	c.connected = false
	c.pending = nil
	if errors.Cause(err) == ErrConnectionLost {
		return err
	}
	return errors.Wrapf(err, ErrConnectionLost, "%v", err)
}

func (c *Codec) nextID() packet.ID {
	c.lastID++
	if c.lastID == 0 {
		c.lastID = 1
	}
	return c.lastID
}

func (c *Codec) String() string {
	return fmt.Sprintf("mqtt.Codec(client=%s connected=%t)", c.opt.ClientID, c.connected)
}

// IsConnectionLost reports that Codec is no longer usable.
func IsConnectionLost(err error) bool {
	return errors.Cause(err) == ErrConnectionLost || transport.IsPeerClosed(err)
}

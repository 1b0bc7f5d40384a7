package mqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/mqttlink/transport"
)

// MaxPacketSize limits inbound remaining length.
const MaxPacketSize = 1 << 20

var errNoPacket = errors.New("no packet")

func (c *Codec) send(p packet.Generic) error {
	buf := make([]byte, p.Len())
	n, err := p.Encode(buf)
	if err != nil {
		return errors.Annotatef(err, "encode %s", p.Type())
	}
	if _, err = c.conn.Send(buf[:n], c.opt.Timeout); err != nil {
		return errors.Annotatef(err, "send %s", p.Type())
	}
	c.lastSend.SetNow()
	c.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

// receive reads fixed header, remaining length and body.
// Only wait for first byte is bounded by timeout, returns errNoPacket if nothing arrived.
// Rest of packet is bounded by Options.Timeout.
func (c *Codec) receive(timeout time.Duration) (packet.Generic, error) {
	head, err := c.conn.ReceiveExact(1, timeout)
	if err != nil {
		if transport.IsTimeout(err) && len(head) == 0 {
			return nil, errNoPacket
		}
		return nil, errors.Annotate(err, "receive header")
	}
	buf := make([]byte, 1, 16)
	buf[0] = head[0]

	length, mul := 0, 1
	for i := 0; ; i++ {
		if i == 4 {
			return nil, errors.NotValidf("remaining length")
		}
		b, err := c.conn.ReceiveExact(1, c.opt.Timeout)
		if err != nil {
			return nil, errors.Annotate(err, "receive remaining length")
		}
		buf = append(buf, b[0])
		length += int(b[0]&0x7f) * mul
		mul *= 0x80
		if b[0]&0x80 == 0 {
			break
		}
	}
	if length > MaxPacketSize {
		return nil, errors.NotValidf("packet length=%d", length)
	}
	if length > 0 {
		body, err := c.conn.ReceiveExact(length, c.opt.Timeout)
		if err != nil {
			return nil, errors.Annotatef(err, "receive body length=%d", length)
		}
		buf = append(buf, body...)
	}

	t := packet.Type(head[0] >> 4)
	pkt, err := t.New()
	if err != nil {
		return nil, errors.Annotatef(err, "packet type=%d", t)
	}
	if _, err = pkt.Decode(buf); err != nil {
		return nil, errors.Annotatef(err, "decode %s", t)
	}
	c.lastRecv.SetNow()
	c.opt.Log.Debugf("received %s", PacketString(pkt))
	return pkt, nil
}

func packetID(p packet.Generic) packet.ID {
	switch pt := p.(type) {
	case *packet.Puback:
		return pt.ID
	case *packet.Pubrec:
		return pt.ID
	case *packet.Pubrel:
		return pt.ID
	case *packet.Pubcomp:
		return pt.ID
	case *packet.Suback:
		return pt.ID
	case *packet.Unsuback:
		return pt.ID
	case *packet.Publish:
		return pt.ID
	}
	return 0
}

func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=(%d)%q", m.Topic, m.QOS, m.Retain, len(m.Payload), m.Payload)
}

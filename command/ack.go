package command

import (
	"unicode/utf8"
)

const (
	StatusOK    = "OK"
	StatusError = "KO"
)

// EncodeAck produces acknowledgment for uid; nil err means success.
func EncodeAck(uid string, err error) []byte {
	if err == nil {
		return EncodeAckMessage(uid, true, "")
	}
	return EncodeAckMessage(uid, false, err.Error())
}

// EncodeAckMessage output is
//
//	[{"uid":"<uid>","status":"OK"}]
//	[{"uid":"<uid>","status":"KO","message":"<message>"}]
//
// message member is present only when message is not empty.
func EncodeAckMessage(uid string, ok bool, message string) []byte {
	status := StatusOK
	if !ok {
		status = StatusError
	}
	b := make([]byte, 0, 32+len(uid)+len(message))
	b = append(b, `[{"uid":`...)
	b = appendQuoted(b, uid)
	b = append(b, `,"status":`...)
	b = appendQuoted(b, status)
	if message != "" {
		b = append(b, `,"message":`...)
		b = appendQuoted(b, message)
	}
	b = append(b, "}]"...)
	return b
}

// EncodeKeyValue produces telemetry payload {"<key>":"<value>"}.
func EncodeKeyValue(key, value string) []byte {
	b := make([]byte, 0, 8+len(key)+len(value))
	b = append(b, '{')
	b = appendQuoted(b, key)
	b = append(b, ':')
	b = appendQuoted(b, value)
	b = append(b, '}')
	return b
}

const hexDigits = "0123456789abcdef"

func appendQuoted(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				b = append(b, '\\', c)
			case c == '\n':
				b = append(b, '\\', 'n')
			case c == '\r':
				b = append(b, '\\', 'r')
			case c == '\t':
				b = append(b, '\\', 't')
			case c < 0x20:
				b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				b = append(b, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b = append(b, "\ufffd"...)
		} else {
			b = append(b, s[i:i+size]...)
		}
		i += size
	}
	return append(b, '"')
}

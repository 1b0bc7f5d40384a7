// Package command decodes device management envelopes delivered by broker
// and encodes acknowledgments.
//
// Accepted shapes (optionally wrapped in single element array):
//
//	{"uid":"..","timestamp":"..","command":{"id":"..","params":{"k":"v",...}}}
//	{"uid":"..","timestamp":"..","swinstall":{"type":"..","revision":"..","url":".."}}
package command

import (
	"bytes"
	"fmt"

	"github.com/juju/errors"
)

// MaxParams bounds work per command, extra params are ignored.
const MaxParams = 10

type Param struct {
	Key   string
	Value string
}

// Envelope is one of *Batch, *InstallRequest, *Unrecognized.
type Envelope interface {
	envelope()
}

// Batch is one command with its parameters. Every Batch must be acknowledged.
type Batch struct {
	UID       string
	Timestamp string
	ID        string
	Params    []Param
	// Truncated is set when params had more than MaxParams members.
	Truncated bool
}

// InstallRequest asks for software/firmware install.
// Not acknowledged automatically, receiver acks after install is done or failed.
type InstallRequest struct {
	UID       string
	Timestamp string
	Type      string
	Revision  string
	URL       string
}

type Unrecognized struct {
	Err error
}

func (*Batch) envelope()          {}
func (*InstallRequest) envelope() {}
func (*Unrecognized) envelope()   {}

// Key is callback key for i-th param: "<id>.<key>".
func (b *Batch) Key(i int) string { return b.ID + "." + b.Params[i].Key }

func (b *Batch) String() string {
	return fmt.Sprintf("command uid=%s id=%s params=%d timestamp=%s", b.UID, b.ID, len(b.Params), b.Timestamp)
}
func (r *InstallRequest) String() string {
	return fmt.Sprintf("swinstall uid=%s type=%s revision=%s url=%s timestamp=%s", r.UID, r.Type, r.Revision, r.URL, r.Timestamp)
}
func (u *Unrecognized) String() string { return fmt.Sprintf("unrecognized: %v", u.Err) }

type ProtocolErrorKind uint8

const (
	Malformed ProtocolErrorKind = iota + 1
	UnknownShape
)

type ProtocolError struct {
	Kind   ProtocolErrorKind
	Reason string
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case Malformed:
		return "malformed: " + e.Reason
	default:
		return "unrecognized: " + e.Reason
	}
}

// IsMalformed reports that payload was not valid JSON.
func IsMalformed(err error) bool {
	e, ok := errors.Cause(err).(*ProtocolError)
	return ok && e.Kind == Malformed
}

func unrecognized(kind ProtocolErrorKind, format string, args ...interface{}) *Unrecognized {
	return &Unrecognized{Err: &ProtocolError{Kind: kind, Reason: fmt.Sprintf(format, args...)}}
}

// Decode never fails: bad input yields *Unrecognized.
func Decode(payload []byte) Envelope {
	b := bytes.TrimSpace(payload)
	if len(b) == 0 {
		return unrecognized(Malformed, "empty payload")
	}
	end, err := scanValue(b, 0, 0)
	if err != nil {
		return unrecognized(Malformed, "%v", err)
	}
	if end != len(b) {
		return unrecognized(Malformed, "trailing data at %d", end)
	}
	if b[0] == '[' {
		first, ok := element(b, 0)
		if !ok {
			return unrecognized(UnknownShape, "empty array")
		}
		b = first
	}
	if b[0] != '{' {
		return unrecognized(UnknownShape, "expected object")
	}

	root := lookupAll(b, "command", "swinstall", "uid", "timestamp")
	if raw, ok := root["command"]; ok {
		return decodeBatch(root, raw)
	}
	if raw, ok := root["swinstall"]; ok {
		return decodeInstall(root, raw)
	}
	return unrecognized(UnknownShape, "no command or swinstall member")
}

func decodeBatch(root map[string][]byte, cmd []byte) Envelope {
	if len(cmd) == 0 || cmd[0] != '{' {
		return unrecognized(UnknownShape, "command is not object")
	}
	uid, err := rawField(root["uid"], "uid", true)
	if err != nil {
		return &Unrecognized{Err: err}
	}
	ts, _ := rawField(root["timestamp"], "timestamp", false)
	members := lookupAll(cmd, "id", "params")
	id, err := rawField(members["id"], "id", true)
	if err != nil {
		return &Unrecognized{Err: err}
	}
	batch := &Batch{UID: uid, Timestamp: ts, ID: id}

	params := members["params"]
	if len(params) == 0 || params[0] != '{' {
		return batch
	}
	var perr error
	eachMember(params, func(key string, raw []byte) bool {
		if len(batch.Params) >= MaxParams {
			batch.Truncated = true
			return false
		}
		value, err := text(raw)
		if err != nil {
			perr = errors.Annotatef(err, "param %s", key)
			return false
		}
		batch.Params = append(batch.Params, Param{Key: key, Value: value})
		return true
	})
	if perr != nil {
		return unrecognized(Malformed, "%v", perr)
	}
	return batch
}

func decodeInstall(root map[string][]byte, inst []byte) Envelope {
	if len(inst) == 0 || inst[0] != '{' {
		return unrecognized(UnknownShape, "swinstall is not object")
	}
	uid, err := rawField(root["uid"], "uid", true)
	if err != nil {
		return &Unrecognized{Err: err}
	}
	r := &InstallRequest{UID: uid}
	r.Timestamp, _ = rawField(root["timestamp"], "timestamp", false)
	members := lookupAll(inst, "type", "revision", "url")
	r.Type, _ = rawField(members["type"], "type", false)
	r.Revision, _ = rawField(members["revision"], "revision", false)
	r.URL, _ = rawField(members["url"], "url", false)
	return r
}

// rawField converts member value, nil raw means member is absent.
func rawField(raw []byte, key string, required bool) (string, error) {
	if raw == nil {
		if required {
			return "", &ProtocolError{Kind: UnknownShape, Reason: "missing " + key}
		}
		return "", nil
	}
	s, err := text(raw)
	if err != nil {
		return "", &ProtocolError{Kind: Malformed, Reason: key + ": " + err.Error()}
	}
	if required && s == "" {
		return "", &ProtocolError{Kind: UnknownShape, Reason: "empty " + key}
	}
	return s, nil
}

// Package uds carries control commands between the patchd CLI and a running
// watcher. Each message is one JSON frame behind a 4-byte big-endian length.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const Version = 1

// SocketName is the control socket file inside the workspace locks dir.
const SocketName = "patchd.sock"

type Command string

const (
	CommandPing   Command = "ping"
	CommandScan   Command = "scan"
	CommandStatus Command = "status"
)

type Code string

const (
	CodeVersion  Code = "PROTOCOL_MISMATCH"
	CodeUnknown  Code = "UNKNOWN_COMMAND"
	CodeInternal Code = "INTERNAL_ERROR"
	CodeBusy     Code = "BUSY"
)

const maxFrame = 8 << 20

var ErrFrameTooLarge = errors.New("frame too large")

type Request struct {
	Version int             `json:"v"`
	Command Command         `json:"cmd"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type Reply struct {
	OK    bool            `json:"ok"`
	Body  json.RawMessage `json:"body,omitempty"`
	Fault *Fault          `json:"fault,omitempty"`
}

// Fault is a command error reported by the watcher.
type Fault struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

// PingReply identifies the watcher process.
type PingReply struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
	Drains  int       `json:"drains"`
}

type ScanReply struct {
	Scheduled bool `json:"scheduled"`
}

func okReply(body any) *Reply {
	if body == nil {
		return &Reply{OK: true}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return faultf(CodeInternal, "encode reply: %v", err)
	}
	return &Reply{OK: true, Body: raw}
}

func faultf(code Code, format string, args ...any) *Reply {
	return &Reply{Fault: &Fault{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Unmarshal decodes the reply body into v. A failed command yields its Fault.
func (r *Reply) Unmarshal(v any) error {
	if !r.OK {
		if r.Fault != nil {
			return r.Fault
		}
		return errors.New("command failed without a fault")
	}
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

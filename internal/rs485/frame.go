// Package rs485 implements the newline-framed ASCII protocol spoken by the
// counter devices and the half-duplex serial transport underneath it.
package rs485

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag is an inbound frame kind. The set is fixed by the device firmware.
type Tag string

const (
	TagCont      Tag = "CONT"
	TagTotal     Tag = "TOTAL"
	TagMeta      Tag = "META"
	TagEstado    Tag = "ESTADO"
	TagReset     Tag = "RESET"
	TagLog       Tag = "LOG"
	TagHeartbeat Tag = "HEARTBEAT"
	TagInactivo  Tag = "INACTIVO"
	TagFin       Tag = "FIN"
)

var inboundTags = map[Tag]bool{
	TagCont: true, TagTotal: true, TagMeta: true, TagEstado: true,
	TagReset: true, TagLog: true, TagHeartbeat: true, TagInactivo: true,
	TagFin: true,
}

// Frame is one parsed inbound line: DEVICEID:TAG:VALUE.
type Frame struct {
	DeviceID string
	Tag      Tag
	Value    int32
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%s:%d", f.DeviceID, f.Tag, f.Value)
}

// ParseError describes a malformed line. It never terminates the session;
// callers count it and move on.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rs485: malformed frame %q: %s", e.Line, e.Reason)
}

// ParseFrame parses one line (without the trailing newline) against the
// grammar ^[A-Z0-9]{1,8}:(CONT|TOTAL|META|ESTADO|RESET|LOG|HEARTBEAT|INACTIVO|FIN):-?\d+$.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r")
	parts := strings.Split(line, ":")
	if len(parts) != 3 {
		return Frame{}, &ParseError{Line: line, Reason: "expected 3 colon-separated fields"}
	}

	id := parts[0]
	if !validDeviceID(id) {
		return Frame{}, &ParseError{Line: line, Reason: "bad device id"}
	}

	tag := Tag(parts[1])
	if !inboundTags[tag] {
		return Frame{}, &ParseError{Line: line, Reason: "unknown tag"}
	}

	v, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return Frame{}, &ParseError{Line: line, Reason: "value is not a 32-bit integer"}
	}

	return Frame{DeviceID: id, Tag: tag, Value: int32(v)}, nil
}

func validDeviceID(id string) bool {
	if len(id) < 1 || len(id) > 8 {
		return false
	}
	for _, r := range id {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Outbound command templates. The payload of ACTIVAR is the product code;
// everything else carries a numeric argument.

func CmdActivate(deviceID, productCode string) string {
	return deviceID + ":ACTIVAR:" + productCode
}

func CmdDeactivate(deviceID string) string { return deviceID + ":DESACTIVAR:0" }

func CmdMeta(deviceID string, n int) string {
	return deviceID + ":META:" + strconv.Itoa(n)
}

func CmdReset(deviceID string) string { return deviceID + ":RESET:0" }

func CmdPause(deviceID string) string { return deviceID + ":PAUSAR:0" }

func CmdResume(deviceID string) string { return deviceID + ":REANUDAR:0" }

func CmdRequestStatus(deviceID string) string { return deviceID + ":ESTADO:0" }

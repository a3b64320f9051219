package rs485

import (
	"errors"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Frame
		wantErr bool
	}{
		{"cont", "EST01:CONT:42", Frame{"EST01", TagCont, 42}, false},
		{"negative value", "EST01:INACTIVO:-5", Frame{"EST01", TagInactivo, -5}, false},
		{"trailing cr stripped", "EST01:HEARTBEAT:1717243200\r", Frame{"EST01", TagHeartbeat, 1717243200}, false},
		{"single char id", "A:FIN:0", Frame{"A", TagFin, 0}, false},
		{"max len id", "ABCD1234:TOTAL:7", Frame{"ABCD1234", TagTotal, 7}, false},
		{"id too long", "ABCD12345:CONT:1", Frame{}, true},
		{"lowercase id", "est01:CONT:1", Frame{}, true},
		{"empty id", ":CONT:1", Frame{}, true},
		{"unknown tag", "EST01:BOGUS:1", Frame{}, true},
		{"outbound tag not inbound", "EST01:ACTIVAR:1", Frame{}, true},
		{"missing field", "EST01:CONT", Frame{}, true},
		{"extra field", "EST01:CONT:1:2", Frame{}, true},
		{"non numeric value", "EST01:CONT:abc", Frame{}, true},
		{"value overflows int32", "EST01:CONT:2147483648", Frame{}, true},
		{"empty line", "", Frame{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.line)
			if tt.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("want *ParseError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame(%q): %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("ParseFrame(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestCommandTemplates(t *testing.T) {
	tests := []struct{ got, want string }{
		{CmdActivate("EST01", "PT-500"), "EST01:ACTIVAR:PT-500"},
		{CmdDeactivate("EST01"), "EST01:DESACTIVAR:0"},
		{CmdMeta("EST01", 25), "EST01:META:25"},
		{CmdReset("EST01"), "EST01:RESET:0"},
		{CmdPause("EST01"), "EST01:PAUSAR:0"},
		{CmdResume("EST01"), "EST01:REANUDAR:0"},
		{CmdRequestStatus("EST01"), "EST01:ESTADO:0"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFrameString(t *testing.T) {
	f := Frame{"EST01", TagCont, -3}
	if f.String() != "EST01:CONT:-3" {
		t.Errorf("String() = %q", f.String())
	}
}

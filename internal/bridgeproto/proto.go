// Package bridgeproto defines the JSON control protocol exchanged between
// browser clients and the telbridge gateway over a WebSocket connection.
package bridgeproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// Message types. The first four are sent by clients, the rest by the
// gateway; "data" flows both ways.
const (
	TypeConnect      = "connect"
	TypeData         = "data"
	TypeBreak        = "break"
	TypeDisconnect   = "disconnect"
	TypeConnected    = "connected"
	TypeError        = "error"
	TypeDisconnected = "disconnected"
)

// Data encodings. UTF-8 is the default and decodes bytes that are not valid
// UTF-8 as Latin-1; base64 carries arbitrary bytes exactly.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// Message is the envelope written by the gateway.
type Message struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Data         string `json:"data,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	Message      string `json:"message,omitempty"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Command is a decoded client message. The concrete type is one of
// [Connect], [Data], [Break] or [Disconnect].
type Command interface {
	command()
}

// Connect asks the gateway to open a relay to Host:Port.
type Connect struct {
	Host      string
	Port      int
	RequestID string
	Encoding  string
}

// Data carries bytes to write to an open session. Encoding is the frame's
// own encoding field and is empty when the client omitted it.
type Data struct {
	ConnectionID string
	Payload      []byte
	Encoding     string
}

// Bytes returns the payload to write to a session using sessionEncoding.
// A frame without its own encoding follows the session's encoding.
func (d Data) Bytes(sessionEncoding string) ([]byte, error) {
	if d.Encoding != "" || sessionEncoding != EncodingBase64 {
		return d.Payload, nil
	}
	return decodePayload(string(d.Payload), EncodingBase64)
}

// Break asks the gateway to send IAC BRK to the destination.
type Break struct {
	ConnectionID string
}

// Disconnect aborts a session.
type Disconnect struct {
	ConnectionID string
}

func (Connect) command()    {}
func (Data) command()       {}
func (Break) command()      {}
func (Disconnect) command() {}

type inboundMessage struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId"`
	RequestID    string          `json:"requestId"`
	Host         string          `json:"host"`
	Port         json.RawMessage `json:"port"`
	Data         *string         `json:"data"`
	Encoding     string          `json:"encoding"`
}

// Decode parses a client text frame. Every failure wraps
// [domain.ErrMalformedMessage].
func Decode(raw []byte) (Command, error) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, malformed("invalid json")
	}

	switch strings.TrimSpace(in.Type) {
	case TypeConnect:
		if strings.TrimSpace(in.Host) == "" {
			return nil, malformed("connect requires host")
		}
		port, err := parsePort(in.Port)
		if err != nil {
			return nil, err
		}
		enc, err := normalizeEncoding(in.Encoding)
		if err != nil {
			return nil, err
		}
		return Connect{Host: in.Host, Port: port, RequestID: in.RequestID, Encoding: enc}, nil
	case TypeData:
		if in.ConnectionID == "" {
			return nil, malformed("data requires connectionId")
		}
		if in.Data == nil {
			return nil, malformed("data requires data")
		}
		enc, err := normalizeEncoding(in.Encoding)
		if err != nil {
			return nil, err
		}
		payload, err := decodePayload(*in.Data, enc)
		if err != nil {
			return nil, err
		}
		d := Data{ConnectionID: in.ConnectionID, Payload: payload}
		if strings.TrimSpace(in.Encoding) != "" {
			d.Encoding = enc
		}
		return d, nil
	case TypeBreak:
		if in.ConnectionID == "" {
			return nil, malformed("break requires connectionId")
		}
		return Break{ConnectionID: in.ConnectionID}, nil
	case TypeDisconnect:
		if in.ConnectionID == "" {
			return nil, malformed("disconnect requires connectionId")
		}
		return Disconnect{ConnectionID: in.ConnectionID}, nil
	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed(fmt.Sprintf("unknown type %q", truncate(in.Type, 32)))
	}
}

// Connected builds the frame announcing an established session.
func Connected(connectionID, host string, port int, requestID string) Message {
	return Message{Type: TypeConnected, ConnectionID: connectionID, Host: host, Port: port, RequestID: requestID}
}

// DataFrame builds a data frame carrying payload in the given encoding.
func DataFrame(connectionID string, payload []byte, encoding string) Message {
	msg := Message{Type: TypeData, ConnectionID: connectionID}
	if encoding == EncodingBase64 {
		msg.Data = EncodeBody(payload)
		msg.Encoding = EncodingBase64
		return msg
	}
	msg.Data = DisplayText(payload)
	return msg
}

// DisplayText converts terminal output to text for a utf8 data frame.
// Valid UTF-8 sequences pass through and every other byte becomes the rune
// of the same value, so 0xFF arrives as U+00FF instead of U+FFFD.
func DisplayText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + len(b)/2)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(rune(b[0]))
		} else {
			sb.WriteRune(r)
		}
		b = b[size:]
	}
	return sb.String()
}

// ErrorFrame builds an error frame. connectionID and requestID may be
// empty when the error is not tied to a session.
func ErrorFrame(connectionID, requestID, code, message string) Message {
	return Message{Type: TypeError, ConnectionID: connectionID, RequestID: requestID, Code: code, Message: message}
}

// Disconnected builds the frame announcing the end of a session.
func Disconnected(connectionID string, reason domain.CloseReason) Message {
	return Message{Type: TypeDisconnected, ConnectionID: connectionID, Reason: string(reason), Message: reason.Message()}
}

// IsControl reports whether msg should jump ahead of queued data frames.
func IsControl(msg Message) bool {
	return msg.Type != TypeData
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func parsePort(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, malformed("connect requires port")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, malformed("invalid port")
		}
		text = strings.TrimSpace(text)
	}
	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, malformed("invalid port")
	}
	return port, nil
}

func normalizeEncoding(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", EncodingUTF8, "utf-8":
		return EncodingUTF8, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", malformed(fmt.Sprintf("unsupported encoding %q", truncate(raw, 16)))
	}
}

func decodePayload(data, encoding string) ([]byte, error) {
	if encoding == EncodingBase64 {
		b, err := DecodeBody(data)
		if err != nil {
			return nil, malformed("invalid base64 data")
		}
		return b, nil
	}
	return []byte(data), nil
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedMessage, detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ControlMessage is a decoded inbound frame: one of *Connect, *Stdin,
// *Resize or *Disconnect.
type ControlMessage interface {
	Kind() Kind
}

// Connect asks the bridge to open an SSH session. Port 0 means "not given"
// and is resolved by the transport (ssh config, then 22).
type Connect struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	Term       string `json:"term,omitempty"`
}

func (*Connect) Kind() Kind { return KindConnect }

// Address returns host:port, with an empty port when none was given.
func (c *Connect) Address() string {
	port := ""
	if c.Port != 0 {
		port = strconv.Itoa(c.Port)
	}
	return net.JoinHostPort(c.Host, port)
}

// AuthMethod names the credential form for logs; it never includes secrets.
func (c *Connect) AuthMethod() string {
	switch {
	case c.PrivateKey != "" && c.Passphrase != "":
		return "publickey+passphrase"
	case c.PrivateKey != "":
		return "publickey"
	default:
		return "password"
	}
}

func (c *Connect) validate() error {
	c.Host = strings.TrimSpace(c.Host)
	c.Username = strings.TrimSpace(c.Username)
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Password == "" && c.PrivateKey == "" {
		return fmt.Errorf("password or private_key is required")
	}
	return nil
}

// Stdin carries keystrokes for the remote PTY.
type Stdin struct {
	Data []byte
}

func (*Stdin) Kind() Kind { return KindStdin }

// Resize changes the PTY geometry.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (*Resize) Kind() Kind { return KindResize }

func (r *Resize) validate() error {
	if r.Cols == 0 || r.Rows == 0 {
		return fmt.Errorf("cols and rows must be positive, got %dx%d", r.Cols, r.Rows)
	}
	return nil
}

// Disconnect asks the bridge to end the session.
type Disconnect struct{}

func (*Disconnect) Kind() Kind { return KindDisconnect }

// Decode parses an inbound frame into a ControlMessage. Frames of outbound
// kinds are rejected like unknown ones. All failures are *DecodeError.
func Decode(raw []byte) (ControlMessage, error) {
	kind, data, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}

	if !kind.Inbound() {
		return nil, &DecodeError{Kind: kind, Reason: fmt.Sprintf("frame type %q is not accepted from clients", kind)}
	}

	switch kind {
	case KindStdin:
		return &Stdin{Data: data}, nil
	case KindDisconnect:
		return &Disconnect{}, nil
	case KindResize:
		var r Resize
		if err := decodePayload(kind, data, &r); err != nil {
			return nil, err
		}
		if err := r.validate(); err != nil {
			return nil, &DecodeError{Kind: kind, Reason: "invalid resize payload", Err: err}
		}
		return &r, nil
	}

	var c Connect
	if err := decodePayload(kind, data, &c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, &DecodeError{Kind: kind, Reason: "invalid connect payload", Err: err}
	}
	return &c, nil
}

func decodePayload(kind Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Kind: kind, Reason: fmt.Sprintf("invalid %s payload", kind), Err: err}
	}
	return nil
}

// ConnectFrame encodes a connect request.
func ConnectFrame(c Connect) []byte {
	payload, _ := json.Marshal(c)
	return Encode(KindConnect, payload)
}

// ResizeFrame encodes a resize request.
func ResizeFrame(cols, rows uint16) []byte {
	payload, _ := json.Marshal(Resize{Cols: cols, Rows: rows})
	return Encode(KindResize, payload)
}

// StdinFrame encodes keystrokes.
func StdinFrame(data []byte) []byte { return Encode(KindStdin, data) }

// DisconnectFrame encodes a disconnect request.
func DisconnectFrame() []byte { return Encode(KindDisconnect, nil) }

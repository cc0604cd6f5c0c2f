// Package wire implements the JSON frame format exchanged with the browser.
//
// Every frame, in both directions, is a text WebSocket message of the form
//
//	{"type": "<kind>", "data": "<base64>"}
//
// where data is the standard, padded base64 encoding of the payload. Terminal
// bytes (stdin, stdout, stderr) are carried verbatim. The structured kinds
// carry base64-encoded JSON:
//
//	connect:    {"host": "...", "port": 22, "username": "...",
//	             "password": "...", "private_key": "-----BEGIN ...",
//	             "passphrase": "...", "cols": 80, "rows": 24, "term": "xterm"}
//	resize:     {"cols": 120, "rows": 40}
//	error:      UTF-8 description
//	disconnect: data is ignored
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind is the value of a frame's "type" field.
type Kind string

const (
	KindStdin      Kind = "stdin"
	KindStdout     Kind = "stdout"
	KindStderr     Kind = "stderr"
	KindConnect    Kind = "connect"
	KindResize     Kind = "resize"
	KindDisconnect Kind = "disconnect"
	KindError      Kind = "error"
)

// Valid reports whether k is one of the known frame kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStdin, KindStdout, KindStderr, KindConnect, KindResize, KindDisconnect, KindError:
		return true
	}
	return false
}

// Inbound reports whether k is sent by the browser.
func (k Kind) Inbound() bool {
	switch k {
	case KindStdin, KindConnect, KindResize, KindDisconnect:
		return true
	}
	return false
}

type frame struct {
	Type Kind   `json:"type"`
	Data string `json:"data"`
}

// Encode wraps data in a frame of the given kind.
func Encode(kind Kind, data []byte) []byte {
	// Marshal cannot fail for a struct of two strings.
	out, _ := json.Marshal(frame{
		Type: kind,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	return out
}

// DecodeFrame is the inverse of Encode for any known kind. It does not
// interpret structured payloads.
func DecodeFrame(raw []byte) (Kind, []byte, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if !f.Type.Valid() {
		return f.Type, nil, &DecodeError{Kind: f.Type, Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return f.Type, nil, &DecodeError{Kind: f.Type, Reason: "invalid base64 payload", Err: err}
	}
	return f.Type, data, nil
}

// Stdout encodes a chunk of remote standard output.
func Stdout(data []byte) []byte { return Encode(KindStdout, data) }

// Stderr encodes a chunk of remote standard error.
func Stderr(data []byte) []byte { return Encode(KindStderr, data) }

// Error encodes a human-readable failure description.
func Error(description string) []byte { return Encode(KindError, []byte(description)) }

// DecodeError reports a frame that could not be decoded. The session drops
// such frames and keeps running.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

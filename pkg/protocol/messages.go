package protocol

import "encoding/json"

// MessageType selects what a client frame asks for.
type MessageType string

const (
	TypeAuth MessageType = "auth"
	TypeExec MessageType = "exec"
	TypeEval MessageType = "eval"
)

// Request is the union of every frame a client may send. Auth frames carry
// Token, command frames carry Code. The server decodes into this type and
// dispatches on Type.
type Request struct {
	Type  MessageType `json:"type,omitempty"`
	Token *string     `json:"token,omitempty"`
	Code  string      `json:"code,omitempty"`
}

// AuthRequest is the first message sent by the client. A nil Token is sent
// as JSON null and always falls back to manual approval.
type AuthRequest struct {
	Type  MessageType `json:"type"`
	Token *string     `json:"token"`
}

// NewAuthRequest builds an auth frame; an empty token is sent as null.
func NewAuthRequest(token string) AuthRequest {
	req := AuthRequest{Type: TypeAuth}
	if token != "" {
		req.Token = &token
	}
	return req
}

// CommandRequest follows a successful handshake.
type CommandRequest struct {
	Type MessageType `json:"type"`
	Code string      `json:"code"`
}

// AuthResponse is the server's answer to an AuthRequest. On approval Token
// holds the session token the client may present on later connections.
type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CommandResponse is the result of one exec/eval frame, or a protocol-level
// failure such as an undecodable line.
//
// On the wire exactly one branch is populated: success frames carry result,
// stdout and stderr; execution failures carry error, traceback, stdout and
// stderr; protocol failures carry only error.
type CommandResponse struct {
	Success   bool
	Result    *string
	Stdout    string
	Stderr    string
	Error     string
	Traceback string

	protocolOnly bool
}

// Succeeded builds a success response. result is nil for exec.
func Succeeded(result *string, stdout, stderr string) CommandResponse {
	return CommandResponse{Success: true, Result: result, Stdout: stdout, Stderr: stderr}
}

// Failed builds an execution failure response.
func Failed(msg, traceback, stdout, stderr string) CommandResponse {
	return CommandResponse{Error: msg, Traceback: traceback, Stdout: stdout, Stderr: stderr}
}

// ProtocolError builds a failure that is not tied to running code, such as
// a malformed frame or an unknown command type.
func ProtocolError(msg string) CommandResponse {
	return CommandResponse{Error: msg, protocolOnly: true}
}

type successFrame struct {
	Success bool    `json:"success"`
	Result  *string `json:"result"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
}

type failureFrame struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

type errorFrame struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (r CommandResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Success:
		return json.Marshal(successFrame{Success: true, Result: r.Result, Stdout: r.Stdout, Stderr: r.Stderr})
	case r.protocolOnly:
		return json.Marshal(errorFrame{Error: r.Error})
	default:
		return json.Marshal(failureFrame{Error: r.Error, Traceback: r.Traceback, Stdout: r.Stdout, Stderr: r.Stderr})
	}
}

func (r *CommandResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success   bool    `json:"success"`
		Result    *string `json:"result"`
		Stdout    string  `json:"stdout"`
		Stderr    string  `json:"stderr"`
		Error     string  `json:"error"`
		Traceback *string `json:"traceback"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = CommandResponse{
		Success: raw.Success,
		Result:  raw.Result,
		Stdout:  raw.Stdout,
		Stderr:  raw.Stderr,
		Error:   raw.Error,
	}
	if raw.Traceback != nil {
		r.Traceback = *raw.Traceback
	} else if !raw.Success {
		r.protocolOnly = true
	}
	return nil
}

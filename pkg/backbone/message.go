package backbone

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/orchestra/pkg/domain"
)

// MessageKind distinguishes envelopes on a Data frame.
type MessageKind string

const (
	KindInvoke MessageKind = "invoke"
	KindResult MessageKind = "result"
	KindEvent  MessageKind = "event"
)

// Message is the envelope carried in the payload of a Data frame.
type Message struct {
	ID      string      `json:"id"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Kind    MessageKind `json:"kind"`
	// From names the sender; Endpoint names the receiver. The token is checked
	// against the endpoint the receiver shares with its peer.
	From     string `json:"from,omitempty"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token,omitempty"`

	Invocation *Invocation     `json:"invocation,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Invocation asks a remote executor to run one node.
type Invocation struct {
	Workflow domain.WorkflowID `json:"workflow"`
	Node     domain.NodeID     `json:"node"`
	Handler  string            `json:"handler,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
	// Inputs maps input port to the artifact feeding it.
	Inputs map[string]domain.ArtifactID `json:"inputs,omitempty"`
	// Payloads carries input bytes inline for executors without store access.
	Payloads map[string][]byte `json:"payloads,omitempty"`
}

// Result is a remote executor's answer: outputs keyed by output port, or an error.
type Result struct {
	Outputs map[string][]byte `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`
	// Code is set when the executor refused the message at the transport level.
	Code domain.TransportErrorKind `json:"code,omitempty"`
}

// Err converts a failed Result into a TransportError. Refusals keep their
// transport kind so auth stays fatal and rate limits stay retryable.
func (r *Result) Err(endpoint string) error {
	if r == nil || (r.Error == "" && r.Code == "") {
		return nil
	}
	switch r.Code {
	case domain.TransportAuth:
		return &domain.TransportError{Kind: domain.TransportAuth, Endpoint: endpoint, Err: domain.ErrUnauthenticated}
	case domain.TransportRateLimited:
		return &domain.TransportError{Kind: domain.TransportRateLimited, Endpoint: endpoint, Err: domain.ErrRateLimited}
	case "":
		return &domain.TransportError{Kind: domain.TransportRemote, Endpoint: endpoint, Err: errors.New(r.Error)}
	}
	return &domain.TransportError{Kind: r.Code, Endpoint: endpoint, Err: errors.New(r.Error)}
}

func encodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, protocolError(fmt.Errorf("encode message: %w", err))
	}
	return b, nil
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, protocolError(fmt.Errorf("decode message: %w", err))
	}
	return m, nil
}

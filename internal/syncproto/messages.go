// Package syncproto is the wire protocol of the store sync channel: JSON
// messages over one WebSocket, requests correlated by client-chosen ids,
// change notifications pushed per subscription.
//
// Parsing is strict on both sides: unknown fields, missing fields, and
// trailing data are rejected rather than ignored, so protocol drift shows
// up as an error instead of silent data loss.
package syncproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Op is a client-requested store operation.
type Op string

const (
	OpGet          Op = "get"
	OpMerge        Op = "merge"
	OpCreate       Op = "create"
	OpAppend       Op = "append"
	OpSubscribeDoc Op = "subscribeDoc"
	OpSubscribeCol Op = "subscribeCol"
	OpUnsubscribe  Op = "unsubscribe"
)

// Error codes carried on results.
const (
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeUnavailable   = "unavailable"
	CodeBadRequest    = "bad_request"
	CodeRateLimited   = "rate_limited"
)

// Document is the snapshot DTO.
type Document struct {
	Exists bool              `json:"exists"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Record is the collection record DTO.
type Record struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Request is a client-to-server message.
type Request struct {
	ID     string            `json:"id"`
	Op     Op                `json:"op"`
	Path   string            `json:"path,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	// SubID names a subscription: chosen by the client on subscribe ops,
	// echoed on events, and required by unsubscribe.
	SubID string `json:"subId,omitempty"`
}

// Validate checks per-op field requirements.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request missing id")
	}
	switch r.Op {
	case OpGet:
		if r.Path == "" {
			return fmt.Errorf("get missing path")
		}
		if r.Fields != nil || r.SubID != "" {
			return fmt.Errorf("get has unexpected fields")
		}
	case OpMerge, OpCreate, OpAppend:
		if r.Path == "" {
			return fmt.Errorf("%s missing path", r.Op)
		}
		if len(r.Fields) == 0 {
			return fmt.Errorf("%s missing fields", r.Op)
		}
		if r.SubID != "" {
			return fmt.Errorf("%s has unexpected subId", r.Op)
		}
	case OpSubscribeDoc, OpSubscribeCol:
		if r.Path == "" || r.SubID == "" {
			return fmt.Errorf("%s missing path/subId", r.Op)
		}
		if r.Fields != nil {
			return fmt.Errorf("%s has unexpected fields", r.Op)
		}
	case OpUnsubscribe:
		if r.SubID == "" {
			return fmt.Errorf("unsubscribe missing subId")
		}
		if r.Path != "" || r.Fields != nil {
			return fmt.Errorf("unsubscribe has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported op %q", r.Op)
	}
	return nil
}

// MessageType discriminates server-to-client messages.
type MessageType string

const (
	// MessageResult answers one request, by id.
	MessageResult MessageType = "result"
	// MessageDocEvent is a document change on a subscription.
	MessageDocEvent MessageType = "docEvent"
	// MessageColEvent is an appended record on a subscription.
	MessageColEvent MessageType = "colEvent"
)

// ServerMessage is a server-to-client message.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// Result fields. Code is empty on success.
	ID       string `json:"id,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	RecordID string `json:"recordId,omitempty"`

	// Event fields.
	SubID  string    `json:"subId,omitempty"`
	Doc    *Document `json:"doc,omitempty"`
	Record *Record   `json:"record,omitempty"`
}

// Validate checks per-type field requirements.
func (m ServerMessage) Validate() error {
	switch m.Type {
	case MessageResult:
		if m.ID == "" {
			return fmt.Errorf("result missing id")
		}
		if m.Code != "" && m.Message == "" {
			return fmt.Errorf("error result missing message")
		}
		if m.SubID != "" || m.Record != nil {
			return fmt.Errorf("result has unexpected event fields")
		}
	case MessageDocEvent:
		if m.SubID == "" || m.Doc == nil {
			return fmt.Errorf("docEvent missing subId/doc")
		}
		if m.ID != "" || m.Code != "" || m.RecordID != "" || m.Record != nil {
			return fmt.Errorf("docEvent has unexpected fields")
		}
	case MessageColEvent:
		if m.SubID == "" || m.Record == nil || m.Record.ID == "" {
			return fmt.Errorf("colEvent missing subId/record")
		}
		if m.ID != "" || m.Code != "" || m.RecordID != "" || m.Doc != nil {
			return fmt.Errorf("colEvent has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// ParseRequest strictly decodes and validates a client request.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := strictDecode(data, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ParseServerMessage strictly decodes and validates a server message.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := strictDecode(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

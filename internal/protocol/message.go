package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zoravur/livequery/internal/reactive"
)

// Client -> server.
const (
	TypeSubscribe   = "subscribe"
	TypeUpdate      = "update"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> client.
const (
	TypeSubscribed   = "subscribed"
	TypeSnapshot     = "snapshot"
	TypeError        = "error"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Request is any client message. Subscribe and update carry either SQL (with
// optional positional args) or a structured definition.
type Request struct {
	Message
	SQL        string          `json:"sql,omitempty"`
	Args       []any           `json:"args,omitempty"`
	Definition *WireDefinition `json:"definition,omitempty"`
}

// WireDefinition is the wire form of a single-table reactive.Definition.
type WireDefinition struct {
	Table   string      `json:"table"`
	Columns []string    `json:"columns,omitempty"`
	Where   []Condition `json:"where,omitempty"`
	OrderBy []WireOrder `json:"orderBy,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	Offset  int         `json:"offset,omitempty"`
}

// Condition is one conjunct of a WHERE clause. A nil Value with "=" or "<>"
// tests for NULL.
type Condition struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

type WireOrder struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// ToDefinition converts the wire form into a reactive.Definition.
func (s WireDefinition) ToDefinition() (reactive.Definition, error) {
	if s.Table == "" {
		return reactive.Definition{}, fmt.Errorf("definition: table is required")
	}
	def := reactive.Select(s.Table, s.Columns...)
	if len(s.Where) > 0 {
		and := make(reactive.And, 0, len(s.Where))
		for _, c := range s.Where {
			if c.Column == "" {
				return reactive.Definition{}, fmt.Errorf("definition: condition without column")
			}
			op := c.Op
			if op == "" {
				op = "="
			}
			and = append(and, reactive.Cmp{Col: reactive.Col(c.Column), Op: op, Value: c.Value})
		}
		def.Where = and
	}
	for _, o := range s.OrderBy {
		def.OrderBy = append(def.OrderBy, reactive.Order{Col: reactive.Col(o.Column), Desc: o.Desc})
	}
	def.Limit, def.Offset = s.Limit, s.Offset
	return def, nil
}

// Row is one result row as sent to clients. Handle, when set, is the edit
// handle accepted by POST /api/edit.
type Row struct {
	Handle string         `json:"handle,omitempty"`
	Values map[string]any `json:"values"`
}

type Subscribed struct {
	Message
	Deps []string `json:"deps"`
}

type Snapshot struct {
	Message
	Seq  uint64 `json:"seq"`
	Rows []Row  `json:"rows"`
}

type Error struct {
	Message
	Error string `json:"error"`
}

func NewError(id string, err error) Error {
	return Error{Message: Message{Type: TypeError, ID: id}, Error: err.Error()}
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	switch req.Type {
	case TypePing:
		return req, nil
	case TypeSubscribe, TypeUpdate:
		if req.ID == "" {
			return req, fmt.Errorf("%s: missing id", req.Type)
		}
		if (req.SQL == "") == (req.Definition == nil) {
			return req, fmt.Errorf("%s: exactly one of sql or definition is required", req.Type)
		}
		return req, nil
	case TypeUnsubscribe:
		if req.ID == "" {
			return req, fmt.Errorf("%s: missing id", req.Type)
		}
		return req, nil
	default:
		return req, fmt.Errorf("unknown message type %q", req.Type)
	}
}

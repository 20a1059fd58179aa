// Package channel carries control requests between kernels and the host over
// socket.io, using comm-style events:
//
//	caller -> host  comm_open      {target_name, env_id}
//	host -> caller  comm_open_ack  {ok, error}
//	caller -> host  comm_msg       {data: control.Request}
//	host -> caller  comm_msg       {data: control.Response}
//	host -> caller  comm_close     {env_id}
//
// A socket is bound to one kernel id by comm_open. The host keeps at most one
// target per kernel id; when it is unregistered, bound sockets get comm_close.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TargetName identifies this protocol generation.
const TargetName = "cellpilot.control.v1"

const (
	eventOpen    = "comm_open"
	eventOpenAck = "comm_open_ack"
	eventMsg     = "comm_msg"
	eventClose   = "comm_close"
)

var (
	ErrUnknownTarget  = errors.New("unknown comm target")
	ErrNotRegistered  = errors.New("no channel registered for kernel")
	ErrNotOpen        = errors.New("channel not open")
	ErrChannelClosed  = errors.New("channel closed by host")
	ErrAlreadyPresent = errors.New("channel target already registered")
)

type openMsg struct {
	TargetName string `json:"target_name"`
	EnvID      string `json:"env_id"`
}

type openAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type commMsg struct {
	Data json.RawMessage `json:"data"`
}

type closeMsg struct {
	EnvID string `json:"env_id"`
}

// toWire turns v into the generic JSON shape socket.io emits.
func toWire(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fromWire decodes the first event argument into v.
func fromWire(args []any, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("empty event payload")
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

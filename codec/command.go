package codec

import (
	"bytes"
	"encoding/json"

	"amqp-rpc/message"
	"amqp-rpc/rpcerrors"
)

type commandWire struct {
	Command string            `json:"command"`
	Args    []json.RawMessage `json:"args"`
}

// EncodeCommand validates and encodes a command request.
// An empty name or an argument that cannot be marshaled fails with ErrValidation.
func EncodeCommand(name string, args ...any) ([]byte, error) {
	if name == "" {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "command name is required")
	}
	cmd, err := message.NewCommand(name, args...)
	if err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "command %q: %v", name, err)
	}
	return MarshalCommand(cmd)
}

// MarshalCommand encodes an already built command.
func MarshalCommand(cmd *message.Command) ([]byte, error) {
	if cmd == nil || cmd.Name == "" {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "command name is required")
	}
	args := cmd.Args
	if args == nil {
		args = message.Args{}
	}
	data, err := Default.Encode(commandWire{Command: cmd.Name, Args: args})
	if err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "command %q: %v", cmd.Name, err)
	}
	return data, nil
}

// DecodeCommand parses a command request. Malformed JSON, a missing or empty command
// name, or args that are not an array fail with ErrDecode.
func DecodeCommand(data []byte) (*message.Command, error) {
	var raw struct {
		Command json.RawMessage `json:"command"`
		Args    json.RawMessage `json:"args"`
	}
	if err := Default.Decode(data, &raw); err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "command: %v", err)
	}

	var name string
	if len(raw.Command) == 0 || Default.Decode(raw.Command, &name) != nil || name == "" {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "command name must be a non-empty string")
	}

	if len(raw.Args) == 0 || isNull(raw.Args) {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "command %q: args are required", name)
	}
	args := message.Args{}
	if err := Default.Decode(raw.Args, &args); err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "command %q: args must be an array", name)
	}
	return &message.Command{Name: name, Args: args}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

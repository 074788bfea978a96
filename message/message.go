// Package message defines the values exchanged between RPC clients and servers.
//
// Command is the request: a command name plus its ordered arguments. CommandResult is the
// reply: either a success payload or an ErrorDescriptor. Both are serialized by the codec
// package and carried as the body of a broker message.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// null is the payload of a success reply whose handler returned nothing.
var null = json.RawMessage("null")

// Args is the decoded argument list of a command. Each element is the compact JSON
// encoding of one argument, in call order.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range, command has %d", i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// StringArg returns argument i when it is a JSON string.
func (a Args) StringArg(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// Command is a named remote operation with its ordered arguments.
type Command struct {
	Name string // Queue the command is published to, e.g. "foo"
	Args Args   // Never nil after decoding; may be empty
}

// NewCommand builds a Command, marshaling each argument to compact JSON.
func NewCommand(name string, args ...any) (*Command, error) {
	encoded := make(Args, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		encoded[i] = raw
	}
	return &Command{Name: name, Args: encoded}, nil
}

// Equal reports whether two commands carry the same name and byte-identical arguments.
func (c *Command) Equal(other *Command) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Name != other.Name || len(c.Args) != len(other.Args) {
		return false
	}
	for i := range c.Args {
		if !bytes.Equal(c.Args[i], other.Args[i]) {
			return false
		}
	}
	return true
}

// CommandResult is the reply to a Command.
//
//   - On success: Data holds the JSON payload, Error is nil.
//   - On failure: Error describes what the handler raised, Data is ignored.
type CommandResult struct {
	Data  json.RawMessage
	Error *ErrorDescriptor
}

// Success builds a success result. A nil payload is sent as JSON null.
func Success(payload any) (*CommandResult, error) {
	if payload == nil {
		return &CommandResult{Data: null}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &CommandResult{Data: raw}, nil
}

// Failure builds a failure result.
func Failure(desc *ErrorDescriptor) *CommandResult {
	return &CommandResult{Error: desc}
}

// Failed reports whether the result carries an error.
func (r *CommandResult) Failed() bool {
	return r.Error != nil
}

// Equal reports whether two results are the same reply.
func (r *CommandResult) Equal(other *CommandResult) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Failed() || other.Failed() {
		return r.Error.Equal(other.Error)
	}
	return bytes.Equal(r.Data, other.Data)
}

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ErrorDescriptor is the serializable form of an error raised by a handler.
//
// On the wire it is a flat JSON object: {"name": ..., "message": ..., <field>: ...}.
type ErrorDescriptor struct {
	Name    string
	Message string
	Fields  map[string]json.RawMessage // Extra properties of the error; nil when there are none
}

// MarshalJSON flattens Fields next to name and message.
func (d ErrorDescriptor) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(d.Fields)+2)
	for k, v := range d.Fields {
		obj[k] = v
	}
	name, err := json.Marshal(d.Name)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(d.Message)
	if err != nil {
		return nil, err
	}
	obj["name"] = name
	obj["message"] = msg
	return json.Marshal(obj)
}

// UnmarshalJSON splits a flat error object back into name, message and fields.
func (d *ErrorDescriptor) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("error descriptor must be an object")
	}
	*d = ErrorDescriptor{}
	if raw, ok := obj["name"]; ok {
		if err := json.Unmarshal(raw, &d.Name); err != nil {
			return fmt.Errorf("error descriptor name: %w", err)
		}
		delete(obj, "name")
	}
	if raw, ok := obj["message"]; ok {
		if err := json.Unmarshal(raw, &d.Message); err != nil {
			return fmt.Errorf("error descriptor message: %w", err)
		}
		delete(obj, "message")
	}
	if len(obj) > 0 {
		d.Fields = obj
	}
	return nil
}

// Equal compares name, message and the encoded value of every field.
func (d *ErrorDescriptor) Equal(other *ErrorDescriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Name != other.Name || d.Message != other.Message || len(d.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range d.Fields {
		ov, ok := other.Fields[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

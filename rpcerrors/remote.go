package rpcerrors

import (
	"encoding/json"
	"go/token"
	"reflect"

	"github.com/juju/errors"

	"amqp-rpc/message"
)

// DefaultErrorName names errors whose Go type carries no useful name.
const DefaultErrorName = "Error"

// Named is implemented by errors that choose their own descriptor name.
type Named interface {
	ErrorName() string
}

// Fielder is implemented by errors that carry extra properties for the descriptor.
type Fielder interface {
	ErrorFields() map[string]any
}

// RemoteError is a handler failure reported by the server. It carries the name,
// message and extra fields of the original error.
type RemoteError struct {
	Name    string
	Message string
	Fields  map[string]json.RawMessage
}

// FromDescriptor rebuilds the error described by a failure reply.
func FromDescriptor(d *message.ErrorDescriptor) *RemoteError {
	return &RemoteError{
		Name:    d.Name,
		Message: d.Message,
		Fields:  d.Fields,
	}
}

// Error returns the original error message unchanged.
func (e *RemoteError) Error() string {
	return e.Message
}

// Is makes every RemoteError match ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// ErrorName returns the original error name, so forwarding a RemoteError keeps it.
func (e *RemoteError) ErrorName() string {
	return e.Name
}

// Field unmarshals a single extra field into v. It returns a NotFound error when the
// field is absent.
func (e *RemoteError) Field(key string, v any) error {
	raw, ok := e.Fields[key]
	if !ok {
		return errors.NotFoundf("error field %q", key)
	}
	return json.Unmarshal(raw, v)
}

// UnmarshalFields decodes all extra fields into the struct pointed to by to.
func (e *RemoteError) UnmarshalFields(to any) error {
	if reflect.ValueOf(to).Kind() != reflect.Ptr {
		return errors.New("UnmarshalFields expects a pointer as an argument")
	}
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return errors.Annotate(err, "could not marshal error fields")
	}
	return errors.Annotate(json.Unmarshal(data, to), "could not unmarshal error fields")
}

// Descriptor returns the wire form of the error.
func (e *RemoteError) Descriptor() *message.ErrorDescriptor {
	return &message.ErrorDescriptor{
		Name:    e.Name,
		Message: e.Message,
		Fields:  e.Fields,
	}
}

// Describe converts a handler error into its wire form.
//
// The name comes from Named, else the exported Go type name, else DefaultErrorName.
// Fields come from Fielder, else from the JSON encoding of a struct error.
// A RemoteError anywhere in the chain is forwarded as is.
func Describe(err error) *message.ErrorDescriptor {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Descriptor()
	}
	return &message.ErrorDescriptor{
		Name:    errorName(err),
		Message: err.Error(),
		Fields:  errorFields(err),
	}
}

func errorName(err error) string {
	if n, ok := err.(Named); ok && n.ErrorName() != "" {
		return n.ErrorName()
	}
	typ := reflect.TypeOf(err)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if name := typ.Name(); name != "" && token.IsExported(name) {
		return name
	}
	return DefaultErrorName
}

func errorFields(err error) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if f, ok := err.(Fielder); ok {
		fields = make(map[string]json.RawMessage)
		for k, v := range f.ErrorFields() {
			raw, merr := json.Marshal(v)
			if merr != nil {
				continue
			}
			fields[k] = raw
		}
	} else {
		val := reflect.ValueOf(err)
		for val.Kind() == reflect.Ptr && !val.IsNil() {
			val = val.Elem()
		}
		if val.Kind() != reflect.Struct {
			return nil
		}
		data, merr := json.Marshal(err)
		if merr != nil || json.Unmarshal(data, &fields) != nil {
			return nil
		}
	}
	delete(fields, "name")
	delete(fields, "message")
	if len(fields) == 0 {
		return nil
	}
	return fields
}

package rpcerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
)

type quotaError struct {
	Limit int    `json:"limit"`
	Scope string `json:"scope"`
}

func (e *quotaError) Error() string { return fmt.Sprintf("quota %d exceeded", e.Limit) }

type namedError struct{}

func (namedError) Error() string                { return "nope" }
func (namedError) ErrorName() string            { return "PermissionDenied" }
func (namedError) ErrorFields() map[string]any { return map[string]any{"user": "bob"} }

func TestKinds(t *testing.T) {
	c := qt.New(t)

	err := Newf(ErrValidation, "command name is required")
	c.Assert(err, qt.ErrorIs, ErrValidation)
	c.Assert(err, qt.ErrorMatches, "validation error: command name is required")

	cause := errors.New("socket closed")
	wrapped := Wrap(ErrChannel, cause)
	c.Assert(wrapped, qt.ErrorIs, ErrChannel)
	c.Assert(wrapped, qt.ErrorIs, cause)
	c.Assert(Wrap(ErrChannel, nil), qt.IsNil)
}

func TestDescribePlainError(t *testing.T) {
	c := qt.New(t)

	desc := Describe(errors.New("Some error"))
	c.Assert(desc.Name, qt.Equals, DefaultErrorName)
	c.Assert(desc.Message, qt.Equals, "Some error")
	c.Assert(desc.Fields, qt.IsNil)
}

func TestDescribeStructError(t *testing.T) {
	c := qt.New(t)

	desc := Describe(&quotaError{Limit: 3, Scope: "user"})
	c.Assert(desc.Name, qt.Equals, DefaultErrorName) // unexported type
	c.Assert(desc.Message, qt.Equals, "quota 3 exceeded")
	c.Assert(string(desc.Fields["limit"]), qt.Equals, "3")
	c.Assert(string(desc.Fields["scope"]), qt.Equals, `"user"`)
}

func TestDescribeNamedError(t *testing.T) {
	c := qt.New(t)

	desc := Describe(fmt.Errorf("wrapped: %w", namedError{}))
	// Wrapping hides the Named implementation; only the outer error is inspected.
	c.Assert(desc.Name, qt.Equals, DefaultErrorName)

	desc = Describe(namedError{})
	c.Assert(desc.Name, qt.Equals, "PermissionDenied")
	c.Assert(string(desc.Fields["user"]), qt.Equals, `"bob"`)
}

func TestRemoteErrorRoundTrip(t *testing.T) {
	c := qt.New(t)

	remote := FromDescriptor(Describe(&quotaError{Limit: 3, Scope: "user"}))
	c.Assert(remote.Error(), qt.Equals, "quota 3 exceeded")
	c.Assert(remote, qt.ErrorIs, ErrRemote)

	var limit int
	c.Assert(remote.Field("limit", &limit), qt.IsNil)
	c.Assert(limit, qt.Equals, 3)
	c.Assert(remote.Field("missing", &limit), qt.IsNotNil)

	var q quotaError
	c.Assert(remote.UnmarshalFields(&q), qt.IsNil)
	c.Assert(q, qt.Equals, quotaError{Limit: 3, Scope: "user"})
	c.Assert(remote.UnmarshalFields(q), qt.IsNotNil)

	// A RemoteError forwarded by another handler keeps its identity.
	forwarded := Describe(fmt.Errorf("calling upstream: %w", remote))
	c.Assert(forwarded.Equal(remote.Descriptor()), qt.IsTrue)
}

func TestRemoteErrorFieldsJSON(t *testing.T) {
	c := qt.New(t)

	remote := &RemoteError{Name: "E", Message: "m", Fields: map[string]json.RawMessage{"code": json.RawMessage(`"E42"`)}}
	var code string
	c.Assert(remote.Field("code", &code), qt.IsNil)
	c.Assert(code, qt.Equals, "E42")
}

// Package codec serializes commands and results to the bytes carried in a broker message.
//
// The wire format is JSON text:
//
//	request:  {"command": "foo", "args": ["bar", 1]}
//	success:  {"data": {"bar": "baz"}}
//	failure:  {"error": "{\"name\":\"Error\",\"message\":\"Some error\"}"}
//
// The failure descriptor is itself JSON, sent as a string so that clients which only
// look at the "error" key still get something printable.
package codec

// Codec marshals values for a message body and names the content type it produces.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// Default is the codec used for commands and results.
var Default Codec = JSONCodec{}

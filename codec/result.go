package codec

import (
	"encoding/json"

	"amqp-rpc/message"
	"amqp-rpc/rpcerrors"
)

type resultWire struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// EncodeResult encodes a reply in the enveloped form: {"data": payload} on success,
// {"error": "<descriptor JSON>"} on failure.
func EncodeResult(res *message.CommandResult) ([]byte, error) {
	if res == nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "result is required")
	}
	var wire resultWire
	if res.Failed() {
		desc, err := json.Marshal(res.Error)
		if err != nil {
			return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "error descriptor: %v", err)
		}
		wire.Error = string(desc)
	} else {
		wire.Data = res.Data
		if len(wire.Data) == 0 {
			wire.Data = json.RawMessage("null")
		}
	}
	data, err := Default.Encode(wire)
	if err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "result: %v", err)
	}
	return data, nil
}

// DecodeResult parses a reply. Exactly one of "data" and "error" must be present;
// "error" is a descriptor JSON string, or the descriptor object itself.
func DecodeResult(data []byte) (*message.CommandResult, error) {
	var raw struct {
		Data  json.RawMessage `json:"data"`
		Error json.RawMessage `json:"error"`
	}
	if err := Default.Decode(data, &raw); err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "result: %v", err)
	}

	hasData := len(raw.Data) > 0
	hasError := len(raw.Error) > 0 && !isNull(raw.Error)
	switch {
	case hasData && hasError:
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "result carries both data and error")
	case hasData:
		return &message.CommandResult{Data: raw.Data}, nil
	case !hasError:
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "result carries neither data nor error")
	}

	var desc message.ErrorDescriptor
	var s string
	if Default.Decode(raw.Error, &s) == nil {
		if Default.Decode([]byte(s), &desc) != nil {
			// Plain text error from a peer that does not send descriptors.
			desc = message.ErrorDescriptor{Name: rpcerrors.DefaultErrorName, Message: s}
		}
		return message.Failure(&desc), nil
	}
	if err := Default.Decode(raw.Error, &desc); err != nil {
		return nil, rpcerrors.Newf(rpcerrors.ErrDecode, "error descriptor: %v", err)
	}
	return message.Failure(&desc), nil
}

package rpc

import (
	"bytes"
	"encoding/json"
)

// Validate parses raw and checks the strict JSON-RPC 2.0 request shape.
// On failure it returns the error response to send back; the response id is
// the request id when that id was itself valid, otherwise null.
func Validate(raw []byte) (*Request, *Response) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request", "empty payload"))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		if !json.Valid(trimmed) {
			return nil, NewErrorResponse(nil, NewError(ParseError, "Parse error", err.Error()))
		}
		return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request", "request must be an object"))
	}
	if fields == nil {
		return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request", "request must be an object"))
	}

	var id json.RawMessage
	if rawID, ok := fields["id"]; ok {
		if !validID(rawID) {
			return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request", "id must be a string, number or null"))
		}
		id = rawID
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != Version {
		return nil, NewErrorResponse(id, NewError(InvalidRequest, "Invalid Request", `jsonrpc must be "2.0"`))
	}

	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
		return nil, NewErrorResponse(id, NewError(InvalidRequest, "Invalid Request", "method must be a non-empty string"))
	}

	params, hasParams := fields["params"]
	if hasParams && !validParams(params) {
		return nil, NewErrorResponse(id, NewError(InvalidParams, "Invalid params", "params must be an object or array"))
	}

	req := &Request{
		JSONRPC: version,
		ID:      id,
		Method:  method,
	}
	if hasParams {
		req.Params = params
	}
	return req, nil
}

func validID(raw json.RawMessage) bool {
	switch firstByte(raw) {
	case '"', 'n':
		var v interface{}
		return json.Unmarshal(raw, &v) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	default:
		return false
	}
}

func validParams(raw json.RawMessage) bool {
	switch firstByte(raw) {
	case '{', '[':
		return true
	default:
		return false
	}
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

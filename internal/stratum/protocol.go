package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stratum methods used by the client
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetExtranonce = "mining.set_extranonce"
	MethodSetDifficulty = "mining.set_difficulty"
)

// DefaultClientName is advertised in mining.subscribe
const DefaultClientName = "stratum-test-client/0.1"

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// ErrorCodeText returns a short name for a Stratum error code
func ErrorCodeText(code int) string {
	switch code {
	case ErrorOther:
		return "other"
	case ErrorJobNotFound:
		return "job not found"
	case ErrorDuplicateShare:
		return "duplicate share"
	case ErrorLowDifficulty:
		return "low difficulty"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorNotSubscribed:
		return "not subscribed"
	case ErrorInvalidRequest:
		return "invalid request"
	case ErrorMethodNotFound:
		return "method not found"
	case ErrorInvalidParams:
		return "invalid params"
	case ErrorParseError:
		return "parse error"
	default:
		return fmt.Sprintf("error %d", code)
	}
}

// Request is an outgoing JSON-RPC request. Field order matches the wire
// form {"id":..,"method":..,"params":[..]}.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// SubmitRequest holds the parameters of a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Username joins account and worker the way pools expect them
func Username(account, worker string) string {
	return account + "." + worker
}

// MarshalRequest encodes a request as a single JSON line without the
// trailing newline. Strings are escaped for quotes, backslashes and
// control characters; HTML characters are left as-is.
func MarshalRequest(req *Request) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return bytes.Clone(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params ...any) *Request {
	if params == nil {
		params = []any{}
	}
	return &Request{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// EncodeSubscribe builds {"id":id,"method":"mining.subscribe","params":[clientName]}
func EncodeSubscribe(id uint64, clientName string) ([]byte, error) {
	return MarshalRequest(NewRequest(id, MethodSubscribe, clientName))
}

// EncodeAuthorize builds a mining.authorize request for account.worker
func EncodeAuthorize(id uint64, account, worker, password string) ([]byte, error) {
	return MarshalRequest(NewRequest(id, MethodAuthorize, Username(account, worker), password))
}

// EncodeSubmit builds a mining.submit request
func EncodeSubmit(id uint64, req SubmitRequest) ([]byte, error) {
	return MarshalRequest(NewRequest(id, MethodSubmit,
		req.Username,
		req.JobID,
		req.ExtraNonce2,
		req.NTime,
		req.Nonce,
	))
}

// Package channel implements the method channel between UI callers and the
// surface registry: call/response types, the plugin that maps method names
// to registry operations, and a single-goroutine dispatcher.
package channel

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Method names understood by the plugin
const (
	MethodCreateRT      = "CreateRT"
	MethodReleaseRT     = "ReleaseRT"
	MethodMixWithOthers = "MixWithOthers"
)

// Error codes returned in failed responses
const (
	CodeBadArguments = "BAD_ARGUMENTS"
	CodeCreateFailed = "CREATE_FAILED"
	CodeDetached     = "DETACHED"
)

// ErrBadArguments wraps every argument decoding failure
var ErrBadArguments = errors.New("bad method arguments")

// MethodCall is one inbound call
type MethodCall struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"args,omitempty"`
}

// Error describes a failed call
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the outcome of a call: a result, an error, or not implemented
type Response struct {
	Result         interface{}
	Err            *Error
	NotImplemented bool
}

// Success builds a successful response
func Success(result interface{}) Response {
	return Response{Result: result}
}

// Failure builds an error response
func Failure(code, message string) Response {
	return Response{Err: &Error{Code: code, Message: message}}
}

// NotImplemented builds the response for unknown methods
func NotImplemented() Response {
	return Response{NotImplemented: true}
}

// OK reports whether the call succeeded
func (r Response) OK() bool {
	return r.Err == nil && !r.NotImplemented
}

// Envelope is a method call on the wire
type Envelope struct {
	ID     uint64                 `json:"id"`
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Call returns the method call carried by the envelope
func (e Envelope) Call() MethodCall {
	return MethodCall{Method: e.Method, Arguments: e.Args}
}

// Reply is a response on the wire
type Reply struct {
	ID             uint64      `json:"id"`
	Result         interface{} `json:"result"`
	Error          *Error      `json:"error,omitempty"`
	NotImplemented bool        `json:"not_implemented,omitempty"`
}

// Reply wraps the response for the envelope with the given id
func (r Response) Reply(id uint64) Reply {
	return Reply{
		ID:             id,
		Result:         r.Result,
		Error:          r.Err,
		NotImplemented: r.NotImplemented,
	}
}

// createArgs are the CreateRT arguments
type createArgs struct {
	Player int64 `mapstructure:"player"`
	Width  int   `mapstructure:"width"`
	Height int   `mapstructure:"height"`
	Tunnel bool  `mapstructure:"tunnel"`
}

// releaseArgs are the ReleaseRT arguments. Callers send a 32-bit id.
type releaseArgs struct {
	Texture int32 `mapstructure:"texture"`
}

// decodeArgs decodes call arguments into out, requiring the listed keys
func decodeArgs(args map[string]interface{}, out interface{}, required ...string) error {
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("%w: missing %q", ErrBadArguments, key)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return nil
}

package router

import "errors"

// ErrorKind classifies how a routed call concluded, mirroring the protocol's
// error taxonomy at the router boundary. A router call never itself returns
// a transport error — every kind below except none is folded into a FAIL
// response body by Route.
type ErrorKind int

const (
	NoError ErrorKind = iota
	NoSuchFunction
	InvalidArgument
	FunctionException
	FunctionUnknownException
)

func (k ErrorKind) String() string {
	switch k {
	case NoSuchFunction:
		return "no_such_function"
	case InvalidArgument:
		return "invalid_argument"
	case FunctionException:
		return "function_exception"
	case FunctionUnknownException:
		return "function_unknown_exception"
	default:
		return "ok"
	}
}

// ErrHasResponse is returned by Context.Respond/RespondError when a delayed
// (async) handler has already produced its one response.
var ErrHasResponse = errors.New("router: async handler already responded")

// ErrDuplicateFunction is returned by Register when the computed function id
// collides with an already-registered handler.
var ErrDuplicateFunction = errors.New("router: duplicate function id")

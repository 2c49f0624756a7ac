// Package rpcerr gives the sentinel errors of this module's actor and
// transport packages a real gRPC status code (registry and router use
// their own typed errors with a GRPCStatus method instead),
// the same way inprocgrpc classifies every failure via status.Errorf rather
// than bare error strings. Sentinel values built with New remain usable
// with errors.Is (pointer identity, no wrapping) while also satisfying
// status.FromError's GRPCStatus() contract.
package rpcerr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a sentinel error carrying a spec §7 error-taxonomy code.
type Error struct {
	msg  string
	code codes.Code
}

func (e *Error) Error() string { return e.msg }

// GRPCStatus implements the interface status.FromError looks for.
func (e *Error) GRPCStatus() *status.Status { return status.New(e.code, e.msg) }

// New builds a sentinel Error. Intended for package-level `var Err... =
// rpcerr.New(...)` declarations, compared later with errors.Is.
func New(code codes.Code, msg string) *Error {
	return &Error{msg: msg, code: code}
}

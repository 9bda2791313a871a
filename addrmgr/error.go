// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrAddressNotFound indicates the requested address is not known to
	// the address manager.
	ErrAddressNotFound = ErrorKind("ErrAddressNotFound")

	// ErrUnknownAddressType indicates an address type that cannot be
	// determined from the raw network address bytes.
	ErrUnknownAddressType = ErrorKind("ErrUnknownAddressType")

	// ErrUnsupportedVersion indicates a serialized peers state with a
	// version that is not supported by this package.
	ErrUnsupportedVersion = ErrorKind("ErrUnsupportedVersion")

	// ErrMalformedPeersState indicates a serialized peers state that is
	// structurally invalid, such as a truncated stream, an impossible
	// count, or a slot reference that is out of range.
	ErrMalformedPeersState = ErrorKind("ErrMalformedPeersState")

	// ErrChecksumMismatch indicates a serialized peers state whose
	// checksum does not match the expected value.
	ErrChecksumMismatch = ErrorKind("ErrChecksumMismatch")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to the address manager.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

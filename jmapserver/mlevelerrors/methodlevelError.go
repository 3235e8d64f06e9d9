// Package mlevelerrors defines the JMAP method-level error responses
// (RFC 8620 section 3.6.2) and the per-item SetError used in */set and
// */copy results.
package mlevelerrors

import "fmt"

type MethodLevelError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (mle MethodLevelError) Error() string {
	return fmt.Sprintf("methodlevel error type %s: %s", mle.Type, mle.Description)
}

func NewMethodLevelErrorServerFail() *MethodLevelError {
	return &MethodLevelError{
		Type: "serverFail",
	}
}

func NewMethodLevelErrorServerPartialFail() *MethodLevelError {
	return &MethodLevelError{
		Type: "serverPartialFail",
	}
}

func NewMethodLevelErrorUnknownMethod() *MethodLevelError {
	return &MethodLevelError{
		Type: "unknownMethod",
	}
}

func NewMethodLevelErrorInvalidArguments(description string) *MethodLevelError {
	return &MethodLevelError{
		Type:        "invalidArguments",
		Description: description,
	}
}

func NewMethodLevelErrorInvalidResultReference(description string) *MethodLevelError {
	return &MethodLevelError{
		Type:        "invalidResultReference",
		Description: description,
	}
}

func NewMethodLevelErrorForbidden() *MethodLevelError {
	return &MethodLevelError{
		Type: "forbidden",
	}
}

func NewMethodLevelErrorAccountNotFound() *MethodLevelError {
	return &MethodLevelError{
		Type: "accountNotFound",
	}
}

func NewMethodLevelErrorAccountReadOnly() *MethodLevelError {
	return &MethodLevelError{
		Type: "accountReadOnly",
	}
}

func NewMethodLevelErrorRequestTooLarge() *MethodLevelError {
	return &MethodLevelError{
		Type: "requestTooLarge",
	}
}

// SetError is reported per item in the notCreated/notUpdated/notDestroyed
// maps of set-like methods.
type SetError struct {
	Type        string  `json:"type"`
	Description *string `json:"description,omitempty"`
}

// NewSetErrorBlobNotFound is reported by Blob/copy when a source blob does
// not exist or is not readable. The two cases are deliberately
// indistinguishable.
func NewSetErrorBlobNotFound() SetError {
	return SetError{
		Type: "blobNotFound",
	}
}

// NewSetErrorToAccountNotFound is reported by Blob/copy when the destination
// account does not exist or may not be written to.
func NewSetErrorToAccountNotFound() SetError {
	return SetError{
		Type: "toAccountNotFound",
	}
}

func NewMethodLevelErrorFromAccountNotFound() *MethodLevelError {
	return &MethodLevelError{
		Type: "fromAccountNotFound",
	}
}

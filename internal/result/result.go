// Package result holds the closed set of outcomes returned by the user workflows.
//
// A workflow returns (Result[T], error). The Result carries either a value or a
// typed Failure describing a broken business rule; the error is reserved for
// infrastructure problems. The idempotency guard caches Results verbatim, so
// they must stay JSON round-trippable.
package result

import "fmt"

type Code string

const (
	CodeValidation      Code = "Validation"
	CodeNotFound        Code = "NotFound"
	CodeConflict        Code = "Conflict"
	CodeOtpInvalid      Code = "OtpInvalid"
	CodeOtpExpired      Code = "OtpExpired"
	CodeFeatureDisabled Code = "FeatureDisabled"
	CodeExternalService Code = "ExternalService"
	CodeUnexpected      Code = "Unexpected"
)

func (c Code) String() string { return string(c) }

// Failure is a business-level error with a stable code.
type Failure struct {
	Code    Code                `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

func Validation(msg string, fields map[string][]string) *Failure {
	return &Failure{Code: CodeValidation, Message: msg, Fields: fields}
}
func NotFound(msg string) *Failure        { return &Failure{Code: CodeNotFound, Message: msg} }
func Conflict(msg string) *Failure        { return &Failure{Code: CodeConflict, Message: msg} }
func OtpInvalid(msg string) *Failure      { return &Failure{Code: CodeOtpInvalid, Message: msg} }
func OtpExpired(msg string) *Failure      { return &Failure{Code: CodeOtpExpired, Message: msg} }
func FeatureDisabled(msg string) *Failure { return &Failure{Code: CodeFeatureDisabled, Message: msg} }
func ExternalService(msg string) *Failure { return &Failure{Code: CodeExternalService, Message: msg} }
func Unexpected(msg string) *Failure      { return &Failure{Code: CodeUnexpected, Message: msg} }

// Result is either a success carrying Value or a failure carrying Failure.
type Result[T any] struct {
	Value   *T       `json:"value,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func OK[T any](v T) Result[T] { return Result[T]{Value: &v} }

func Fail[T any](f *Failure) Result[T] { return Result[T]{Failure: f} }

func (r Result[T]) IsSuccess() bool { return r.Failure == nil }

// Code returns the failure code, or "" on success.
func (r Result[T]) Code() Code {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Code
}

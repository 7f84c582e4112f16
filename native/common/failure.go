package common

import "fmt"

// ExitCode is the numeric failure discriminator reported back to message
// senders. Codes 533-544 and 777 are fixed by the deployed wire protocol;
// the remainder are pool-internal.
type ExitCode uint16

const (
	CodeUnknownToken       ExitCode = 533
	CodeNotAdmin           ExitCode = 534
	CodeNotChild           ExitCode = 543
	CodeNotParent          ExitCode = 544
	CodeNotUnlocked        ExitCode = 545
	CodeInsufficientAmount ExitCode = 546
	CodeNotEnoughGas       ExitCode = 37
	CodeUnknownOpCode      ExitCode = 777
)

// Failure is a terminal, externally observable rejection of one inbound
// message. A Failure aborts processing before any state mutation; it never
// propagates across actor boundaries.
type Failure struct {
	Code   ExitCode
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (exit %d)", f.Reason, f.Code)
}

// Sentinel failures. Handlers return these directly (or wrap them with
// fmt.Errorf and %w) so callers can match with errors.Is.
var (
	ErrUnknownToken       = &Failure{Code: CodeUnknownToken, Reason: "transfer notification from unrecognized token wallet"}
	ErrNotAdmin           = &Failure{Code: CodeNotAdmin, Reason: "administrative operation from non-admin"}
	ErrNotChild           = &Failure{Code: CodeNotChild, Reason: "settlement origin is not a derived sub-ledger"}
	ErrNotParent          = &Failure{Code: CodeNotParent, Reason: "sub-ledger operation from unauthorized origin"}
	ErrNotUnlocked        = &Failure{Code: CodeNotUnlocked, Reason: "withdrawal time-lock has not elapsed"}
	ErrInsufficientAmount = &Failure{Code: CodeInsufficientAmount, Reason: "deposit does not cover the fixed fee"}
	ErrNotEnoughGas       = &Failure{Code: CodeNotEnoughGas, Reason: "attached value insufficient to cover forwarding"}
	ErrUnknownOpCode      = &Failure{Code: CodeUnknownOpCode, Reason: "unrecognized operation code"}
)

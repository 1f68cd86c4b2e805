package callout

import (
	"errors"
	"fmt"
)

// Reason classifies why an item did not produce a callout.
type Reason string

const (
	ReasonNotCommand     Reason = "not_command"
	ReasonMissingInvoker Reason = "missing_invoker"
	ReasonMalformed      Reason = "malformed_expression"
	ReasonAmbiguous      Reason = "ambiguous_expression"
	ReasonPast           Reason = "resolves_to_past"
	ReasonBeyondHorizon  Reason = "beyond_horizon"
	ReasonPayloadTooLong Reason = "payload_too_long"
)

// ParseFailure is returned by Parser.Parse for every rejected item.
type ParseFailure struct {
	Reason Reason
	Detail string
}

func (e *ParseFailure) Error() string {
	if e.Detail == "" {
		return "callout: " + string(e.Reason)
	}
	return fmt.Sprintf("callout: %s: %s", e.Reason, e.Detail)
}

// Silent reports whether the item simply was not addressed to us.
func (e *ParseFailure) Silent() bool { return e.Reason == ReasonNotCommand }

// Replyable reports whether the requester can be told what went wrong.
func (e *ParseFailure) Replyable() bool {
	switch e.Reason {
	case ReasonNotCommand, ReasonMissingInvoker:
		return false
	default:
		return true
	}
}

func fail(r Reason, format string, args ...any) *ParseFailure {
	return &ParseFailure{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// AsParseFailure unwraps err into a *ParseFailure.
func AsParseFailure(err error) (*ParseFailure, bool) {
	var pf *ParseFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

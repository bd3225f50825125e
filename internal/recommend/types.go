// Package recommend uploads a finished recording to the menu recommendation
// backend and turns whatever comes back into exactly one Outcome.
package recommend

import (
	"errors"
	"fmt"
)

// Recommendation is one suggested dish.
type Recommendation struct {
	Name        string `json:"name"`
	Cuisine     string `json:"cuisine"`
	Description string `json:"description"`
	MenuLink    string `json:"menuLink"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Result is the structured body returned by the backend.
type Result struct {
	Query           string           `json:"query"`
	TotalFound      int              `json:"totalFound"`
	SearchLocation  string           `json:"searchLocation"`
	Timestamp       string           `json:"timestamp,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Kind classifies an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	// KindTransportFault: the request never produced an HTTP response.
	KindTransportFault
	// KindServerError: non-2xx status; Reason is the response body.
	KindServerError
	// KindMalformedResponse: 2xx declared as JSON that did not decode.
	KindMalformedResponse
	// KindMessage: 2xx plain text that is not a result; Reason is the text.
	KindMessage
	KindNoArtifact
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransportFault:
		return "transport_fault"
	case KindServerError:
		return "server_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindMessage:
		return "message"
	case KindNoArtifact:
		return "no_artifact"
	case KindBusy:
		return "busy"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrTransportFault    = errors.New("connection error")
	ErrServerError       = errors.New("server error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrMessage           = errors.New("server message")
	ErrNoArtifact        = errors.New("no recording to look up")
	ErrBusy              = errors.New("lookup already in progress")
)

// ConnectionErrorReason is the user-facing reason for every transport fault.
const ConnectionErrorReason = "connection error"

// Outcome is the terminal result of one lookup: a Result on success, or a
// failure Kind with a human-readable Reason.
type Outcome struct {
	Kind   Kind
	Result *Result
	Reason string
	Status int

	cause error
}

// Success wraps a decoded result.
func Success(r *Result, status int) Outcome {
	return Outcome{Kind: KindSuccess, Result: r, Status: status}
}

// Failure builds a failed outcome.
func Failure(kind Kind, reason string) Outcome {
	return Outcome{Kind: kind, Reason: reason}
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Cause is the underlying error for transport and decode failures, if any.
func (o Outcome) Cause() error { return o.cause }

// Err returns nil on success and otherwise an error that matches the kind's
// sentinel under errors.Is.
func (o Outcome) Err() error {
	var sentinel error
	switch o.Kind {
	case KindSuccess:
		return nil
	case KindTransportFault:
		sentinel = ErrTransportFault
	case KindServerError:
		sentinel = ErrServerError
	case KindMalformedResponse:
		sentinel = ErrMalformedResponse
	case KindMessage:
		sentinel = ErrMessage
	case KindNoArtifact:
		sentinel = ErrNoArtifact
	case KindBusy:
		sentinel = ErrBusy
	default:
		return fmt.Errorf("lookup failed: %s", o.Reason)
	}
	if o.Reason == "" || o.Reason == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, o.Reason)
}

// Message is what a presentation layer should show for this outcome.
func (o Outcome) Message() string {
	if o.OK() {
		return fmt.Sprintf("found %d recommendations in %s", o.Result.TotalFound, o.Result.SearchLocation)
	}
	if o.Reason != "" {
		return o.Reason
	}
	return o.Err().Error()
}

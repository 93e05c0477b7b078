// Package protocol defines the messages exchanged between the run controller
// and a chunk worker. Messages travel as newline-delimited JSON.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/endorse-tools/endorse/internal/models"
)

// Kind tags a Message.
type Kind string

const (
	KindReady           Kind = "ready"
	KindJob             Kind = "job"
	KindLogging         Kind = "logging"
	KindLoggedOn        Kind = "loggedOn"
	KindActionSucceeded Kind = "actionSucceeded"
	KindActionFailed    Kind = "actionFailed"
	KindLoginFailed     Kind = "loginFailed"
	KindFatalError      Kind = "fatalError"
)

// ActionResult carries the platform result for an accepted action.
type ActionResult struct {
	Code      int `json:"code"`
	Remaining int `json:"remaining"`
}

// ErrorInfo describes a failure reported by the worker.
type ErrorInfo struct {
	Message              string `json:"message"`
	Code                 int    `json:"code,omitempty"`
	SecondFactorRequired bool   `json:"second_factor_required,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// Message is one protocol frame. Which optional fields are set depends on Kind.
type Message struct {
	Kind      Kind                  `json:"type"`
	Handle    string                `json:"handle,omitempty"`
	WelcomeAt *time.Time            `json:"welcome_at,omitempty"`
	Result    *ActionResult         `json:"result,omitempty"`
	Error     *ErrorInfo            `json:"error,omitempty"`
	Job       *models.JobDescriptor `json:"job,omitempty"`
}

func Ready() Message { return Message{Kind: KindReady} }

func Job(job models.JobDescriptor) Message { return Message{Kind: KindJob, Job: &job} }

func Logging(handle string) Message { return Message{Kind: KindLogging, Handle: handle} }

func LoggedOn(handle string, welcome time.Time) Message {
	return Message{Kind: KindLoggedOn, Handle: handle, WelcomeAt: &welcome}
}

func ActionSucceeded(handle string, code, remaining int) Message {
	return Message{Kind: KindActionSucceeded, Handle: handle, Result: &ActionResult{Code: code, Remaining: remaining}}
}

func ActionFailed(handle string, err error) Message {
	return Message{Kind: KindActionFailed, Handle: handle, Error: &ErrorInfo{Message: err.Error()}}
}

func LoginFailed(handle string, info ErrorInfo) Message {
	return Message{Kind: KindLoginFailed, Handle: handle, Error: &info}
}

func FatalError(err error) Message {
	return Message{Kind: KindFatalError, Error: &ErrorInfo{Message: err.Error()}}
}

// Terminal reports whether the message ends an account's processing.
func (m Message) Terminal() bool {
	switch m.Kind {
	case KindActionSucceeded, KindActionFailed, KindLoginFailed:
		return true
	}
	return false
}

var errMissingField = errors.New("missing field")

// Validate checks that the message carries the payload its kind requires.
func (m Message) Validate() error {
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("%s message: %w %s", m.Kind, errMissingField, field)
		}
		return nil
	}
	switch m.Kind {
	case KindReady:
		return nil
	case KindJob:
		return need(m.Job != nil, "job")
	case KindLogging:
		return need(m.Handle != "", "handle")
	case KindLoggedOn:
		if err := need(m.Handle != "", "handle"); err != nil {
			return err
		}
		return need(m.WelcomeAt != nil, "welcome_at")
	case KindActionSucceeded:
		if err := need(m.Handle != "", "handle"); err != nil {
			return err
		}
		return need(m.Result != nil, "result")
	case KindActionFailed, KindLoginFailed:
		if err := need(m.Handle != "", "handle"); err != nil {
			return err
		}
		return need(m.Error != nil, "error")
	case KindFatalError:
		return need(m.Error != nil, "error")
	default:
		return fmt.Errorf("unknown message type %q", m.Kind)
	}
}

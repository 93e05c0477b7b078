// Package platform declares the remote platform the orchestrator drives:
// account sessions, relay discovery and target resolution.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/endorse-tools/endorse/internal/models"
)

// Result is a numeric platform result code.
type Result int

const (
	ResultOK                Result = 1
	ResultFail              Result = 2
	ResultInvalidPassword   Result = 5
	ResultAccessDenied      Result = 15
	ResultBanned            Result = 17
	ResultAccountNotFound   Result = 18
	ResultSuspended         Result = 44
	ResultAccountLockedDown Result = 73
	ResultIPBanned          Result = 105
)

var resultNames = map[Result]string{
	ResultOK:                "OK",
	ResultFail:              "Fail",
	ResultInvalidPassword:   "InvalidPassword",
	ResultAccessDenied:      "AccessDenied",
	ResultBanned:            "Banned",
	ResultAccountNotFound:   "AccountNotFound",
	ResultSuspended:         "Suspended",
	ResultAccountLockedDown: "AccountLockedDown",
	ResultIPBanned:          "IPBanned",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ErrSecondFactorRequired is reported when a login needs a two-factor code
// and the account has no seed to produce one.
var ErrSecondFactorRequired = errors.New("second factor required")

// AuthError is a failed login.
type AuthError struct {
	// Code is zero when the platform gave no result code.
	Code                 Result
	SecondFactorRequired bool
	Message              string
}

func (e *AuthError) Error() string {
	switch {
	case e.SecondFactorRequired:
		return ErrSecondFactorRequired.Error()
	case e.Code != 0 && e.Message != "":
		return fmt.Sprintf("login failed: %s (%s)", e.Message, e.Code)
	case e.Code != 0:
		return fmt.Sprintf("login failed: %s", e.Code)
	default:
		return "login failed: " + e.Message
	}
}

func (e *AuthError) Is(target error) bool {
	return target == ErrSecondFactorRequired && e.SecondFactorRequired
}

// Credentials identify one account login.
type Credentials struct {
	Handle   string
	Secret   string
	TOTPSeed string
}

// ActionRequest is one endorsement submission.
type ActionRequest struct {
	Target     string
	Relay      string
	Categories []models.Category
}

// ActionResult is the platform's answer to an accepted submission.
type ActionResult struct {
	Code      Result
	Remaining int
}

// Session is a logged-in account.
type Session interface {
	Identity() string
	WelcomeTime() time.Time
	JoinRelay(ctx context.Context, relay string) error
	SubmitAction(ctx context.Context, req ActionRequest) (ActionResult, error)
	Close() error
}

// Relay is an active relay endpoint.
type Relay struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Client is the full platform surface.
type Client interface {
	Login(ctx context.Context, creds Credentials) (Session, error)
	ListActiveRelays(ctx context.Context) ([]Relay, error)
	ResolveReference(ctx context.Context, ref string) (string, error)
	ParseRelayReference(ctx context.Context, ref string) (string, error)
}

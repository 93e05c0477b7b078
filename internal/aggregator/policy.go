package aggregator

import (
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/protocol"
)

// LoginClass is how loudly a login failure is reported. Every class
// deactivates the account.
type LoginClass int

const (
	// LoginBenign covers expected credential and ban results.
	LoginBenign LoginClass = iota
	// LoginUnexpected is a platform result code outside the allow-list.
	LoginUnexpected
	// LoginSecondFactor means a two-factor code was needed but unavailable.
	LoginSecondFactor
	// LoginNoCode is a failure that carried no platform result code.
	LoginNoCode
)

func (c LoginClass) String() string {
	switch c {
	case LoginBenign:
		return "benign"
	case LoginUnexpected:
		return "unexpected"
	case LoginSecondFactor:
		return "second_factor"
	default:
		return "no_code"
	}
}

// Policy decides how outcomes are judged.
type Policy struct {
	SuccessCode      platform.Result
	BenignLoginCodes map[platform.Result]bool
	// CooldownOnRejected starts the cooldown for actions the platform
	// accepted with a non-success code.
	CooldownOnRejected bool
}

// DefaultPolicy returns the standard classification table.
func DefaultPolicy() Policy {
	return Policy{
		SuccessCode: platform.ResultOK,
		BenignLoginCodes: map[platform.Result]bool{
			platform.ResultFail:              true,
			platform.ResultInvalidPassword:   true,
			platform.ResultAccessDenied:      true,
			platform.ResultBanned:            true,
			platform.ResultAccountNotFound:   true,
			platform.ResultSuspended:         true,
			platform.ResultAccountLockedDown: true,
			platform.ResultIPBanned:          true,
		},
		CooldownOnRejected: true,
	}
}

// ClassifyLogin sorts a login failure into a LoginClass.
func (p Policy) ClassifyLogin(info *protocol.ErrorInfo) LoginClass {
	switch {
	case info == nil:
		return LoginNoCode
	case info.SecondFactorRequired:
		return LoginSecondFactor
	case info.Code == 0:
		return LoginNoCode
	case p.BenignLoginCodes[platform.Result(info.Code)]:
		return LoginBenign
	default:
		return LoginUnexpected
	}
}

package models

import "time"

// NeverActed is the last_action sentinel for accounts that have not acted yet.
const NeverActed int64 = -1

// Account is a credential row persisted in the accounts table.
type Account struct {
	Handle      string `json:"handle" toml:"username"`
	Secret      string `json:"-" toml:"password"`
	TOTPSeed    string `json:"-" toml:"shared_secret"`
	LastAction  int64  `json:"last_action" toml:"-"`
	Operational bool   `json:"operational" toml:"-"`
}

// LastActionTime returns the last action as a time, or the zero time when the
// account never acted.
func (a Account) LastActionTime() time.Time {
	if a.LastAction == NeverActed {
		return time.Time{}
	}
	return time.UnixMilli(a.LastAction)
}

// ActionRecord marks that an account already acted on a target.
type ActionRecord struct {
	Handle    string    `json:"handle"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountStats summarises the credential pool.
type AccountStats struct {
	Total       int `json:"total"`
	Operational int `json:"operational"`
	Cooling     int `json:"cooling"`
	Actions     int `json:"actions"`
}

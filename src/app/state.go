package app

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a trigger does not apply to the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// AppState is the top-level screen the application is on.
type AppState int

const (
	StateRegister AppState = iota
	StateLogin
	StateMain
)

func (s AppState) String() string {
	switch s {
	case StateRegister:
		return "register"
	case StateLogin:
		return "login"
	case StateMain:
		return "main"
	default:
		return fmt.Sprintf("AppState(%d)", int(s))
	}
}

// Trigger moves the application between states.
type Trigger int

const (
	TriggerShowRegister Trigger = iota
	TriggerShowLogin
	TriggerAuthenticated
	TriggerLoggedOut
)

func (t Trigger) String() string {
	switch t {
	case TriggerShowRegister:
		return "show_register"
	case TriggerShowLogin:
		return "show_login"
	case TriggerAuthenticated:
		return "authenticated"
	case TriggerLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Next returns the state reached from s by t.
func (s AppState) Next(t Trigger) (AppState, error) {
	switch s {
	case StateRegister:
		switch t {
		case TriggerShowLogin:
			return StateLogin, nil
		case TriggerAuthenticated:
			return StateMain, nil
		}
	case StateLogin:
		switch t {
		case TriggerShowRegister:
			return StateRegister, nil
		case TriggerAuthenticated:
			return StateMain, nil
		}
	case StateMain:
		if t == TriggerLoggedOut {
			return StateLogin, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}

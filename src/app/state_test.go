package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    AppState
		trigger Trigger
		want    AppState
		ok      bool
	}{
		{StateRegister, TriggerShowLogin, StateLogin, true},
		{StateRegister, TriggerAuthenticated, StateMain, true},
		{StateRegister, TriggerShowRegister, StateRegister, false},
		{StateRegister, TriggerLoggedOut, StateRegister, false},
		{StateLogin, TriggerShowRegister, StateRegister, true},
		{StateLogin, TriggerAuthenticated, StateMain, true},
		{StateLogin, TriggerShowLogin, StateLogin, false},
		{StateLogin, TriggerLoggedOut, StateLogin, false},
		{StateMain, TriggerLoggedOut, StateLogin, true},
		{StateMain, TriggerAuthenticated, StateMain, false},
		{StateMain, TriggerShowLogin, StateMain, false},
		{StateMain, TriggerShowRegister, StateMain, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			got, err := tt.from.Next(tt.trigger)
			assert.Equal(t, tt.want, got)
			if tt.ok {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "register", StateRegister.String())
	assert.Equal(t, "login", StateLogin.String())
	assert.Equal(t, "main", StateMain.String())
	assert.Equal(t, "AppState(9)", AppState(9).String())
	assert.Equal(t, "Trigger(9)", Trigger(9).String())
}

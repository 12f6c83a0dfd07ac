package autonomous_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/autonomous"
)

func TestWorkerStateMachineHappyPath(t *testing.T) {
	m := autonomous.NewWorkerStateMachine()
	require.Equal(t, autonomous.StateIdle, m.Current())

	require.NoError(t, m.Transition(autonomous.StateOfferSeen))
	require.NoError(t, m.Transition(autonomous.StateAcceptSent))
	require.NoError(t, m.Transition(autonomous.StateJobReceived))
	require.NoError(t, m.Transition(autonomous.StateWorking))
	require.NoError(t, m.Transition(autonomous.StateCompleted))
	require.NoError(t, m.Transition(autonomous.StateIdle))
}

func TestWorkerStateMachineRejectsInvalidJump(t *testing.T) {
	m := autonomous.NewWorkerStateMachine()
	err := m.Transition(autonomous.StateWorking)
	require.Error(t, err)
	require.Equal(t, autonomous.StateIdle, m.Current())
}

func TestWorkerStateMachineAbortsBackToIdle(t *testing.T) {
	m := autonomous.NewWorkerStateMachine()
	require.NoError(t, m.Transition(autonomous.StateOfferSeen))
	require.NoError(t, m.Transition(autonomous.StateIdle))
	require.Equal(t, autonomous.StateIdle, m.Current())
}

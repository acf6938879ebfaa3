// internal/signaling/state.go
package signaling

import "github.com/sua-org/cam-sentinel/internal/core"

// transições válidas; Closed não tem saída
var transitions = map[core.SessionState][]core.SessionState{
	core.StateNew:            {core.StateOfferSent, core.StateFailed, core.StateClosed},
	core.StateOfferSent:      {core.StateAnswerReceived, core.StateFailed, core.StateClosed},
	core.StateAnswerReceived: {core.StateNegotiating, core.StateFailed, core.StateClosed},
	core.StateNegotiating:    {core.StateConnected, core.StateFailed, core.StateClosed},
	core.StateConnected:      {core.StateDisconnected, core.StateFailed, core.StateClosed},
	core.StateDisconnected:   {core.StateClosed},
	core.StateFailed:         {core.StateClosed},
	core.StateClosed:         nil,
}

// CanTransition diz se from -> to é permitido.
func CanTransition(from, to core.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

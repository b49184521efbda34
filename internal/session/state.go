package session

// State is the negotiation state of one peer connection, owned
// exclusively by its Manager.
type State string

const (
	StateNew          State = "new"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

var validTransitions = map[State][]State{
	StateNew:          {StateNegotiating, StateClosed},
	StateNegotiating:  {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateDegraded, StateReconnecting, StateNegotiating, StateFailed, StateClosed},
	StateDegraded:     {StateConnected, StateReconnecting, StateFailed, StateClosed},
	StateReconnecting: {StateConnected, StateNegotiating, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
	StateClosed:       {},
}

func (s State) canTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

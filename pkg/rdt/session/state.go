package session

// State is a Session's position in the handshake/teardown state machine
// (spec §4.3). Unlike the ARQ engines' internal bookkeeping, State is
// observable by callers and logged on every transition.
type State int32

const (
	StateListen State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinSent
	StateFinRcvd
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN_SENT"
	case StateFinRcvd:
		return "FIN_RCVD"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates the state machine edges named in spec §4.3.
// Both client and server sides share this table; which edges a given role
// actually exercises depends on the handshake/teardown code driving it.
var validTransitions = map[State]map[State]bool{
	StateListen:      {StateSynSent: true, StateSynRcvd: true},
	StateSynSent:     {StateEstablished: true, StateClosed: true},
	StateSynRcvd:     {StateEstablished: true, StateClosed: true},
	StateEstablished: {StateFinSent: true, StateFinRcvd: true, StateClosing: true, StateClosed: true},
	StateFinSent:     {StateClosed: true, StateClosing: true},
	StateFinRcvd:     {StateClosed: true, StateClosing: true, StateFinSent: true},
	StateClosing:     {StateClosed: true},
	StateClosed:      {},
}

// canTransition reports whether moving from 'from' to 'to' is a legal edge
// in the state machine, per spec §4.3. A session in CLOSED never moves.
func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

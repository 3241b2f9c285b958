// Package channel implements the per-controller channel state machine of
// spec.md §4.1, the multipart reassembler (§4.2), the message dispatcher
// (§4.3), and the channel manager (§4.4).
package channel

import "fmt"

// State is one of the five channel FSM states, per spec.md §4.1.
type State int

const (
	StateIdle State = iota
	StateConnect
	StateHelloSent
	StateEstablished
	StateDisable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateHelloSent:
		return "HelloSent"
	case StateEstablished:
		return "Established"
	case StateDisable:
		return "Disable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is one of the eight FSM events, per spec.md §4.1.
type Event int

const (
	EventChannelStart Event = iota
	EventChannelStop
	EventChannelExpired
	EventTcpOpen
	EventTcpClosed
	EventTcpFailed
	EventHelloReceived
	EventMessageReceived
)

func (e Event) String() string {
	switch e {
	case EventChannelStart:
		return "ChannelStart"
	case EventChannelStop:
		return "ChannelStop"
	case EventChannelExpired:
		return "ChannelExpired"
	case EventTcpOpen:
		return "TcpOpen"
	case EventTcpClosed:
		return "TcpClosed"
	case EventTcpFailed:
		return "TcpFailed"
	case EventHelloReceived:
		return "HelloReceived"
	case EventMessageReceived:
		return "MessageReceived"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Action is a pure description of the side effect a transition requires; the
// dispatcher (Channel.Dispatch) is the only thing that invokes the actual
// method, per the design note in spec.md §9 ("FSM table of function
// pointers... replace with a pure function transition(state, event) ->
// (Action, State)").
type Action int

const (
	ActionNone Action = iota
	ActionStartConnect
	ActionConnectCheck
	ActionStop
	ActionSendHello
	ActionConnectFail
	ActionHelloConfirm
	ActionProcessMessage
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStartConnect:
		return "start_connect"
	case ActionConnectCheck:
		return "connect_check"
	case ActionStop:
		return "stop"
	case ActionSendHello:
		return "send_hello"
	case ActionConnectFail:
		return "connect_fail"
	case ActionHelloConfirm:
		return "hello_confirm"
	case ActionProcessMessage:
		return "process"
	case ActionExpire:
		return "expire"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// transitionCell is what the fixed 8x5 transition table of spec.md §4.1
// defines for every (state, event) pair: the action to perform, and the
// state that results from it.
type transitionCell struct {
	action Action
	next   State
}

// transitionTable is the exhaustive, fixed transition table of spec.md
// §4.1. Every (State, Event) pair is defined; there is no panic path, per
// spec.md §8 property 1 ("FSM completeness").
var transitionTable = map[State]map[Event]transitionCell{
	StateIdle: {
		EventChannelStart:    {ActionStartConnect, StateConnect},
		EventChannelStop:     {ActionStop, StateIdle},
		EventChannelExpired:  {ActionExpire, StateDisable},
		EventTcpOpen:         {ActionStop, StateIdle},
		EventTcpClosed:       {ActionStop, StateIdle},
		EventTcpFailed:       {ActionStop, StateIdle},
		EventHelloReceived:   {ActionStop, StateIdle},
		EventMessageReceived: {ActionStop, StateIdle},
	},
	StateConnect: {
		EventChannelStart:    {ActionConnectCheck, StateConnect},
		EventChannelStop:     {ActionStop, StateIdle},
		EventChannelExpired:  {ActionExpire, StateDisable},
		EventTcpOpen:         {ActionSendHello, StateHelloSent},
		EventTcpClosed:       {ActionStop, StateIdle},
		EventTcpFailed:       {ActionConnectFail, StateIdle},
		EventHelloReceived:   {ActionStop, StateIdle},
		EventMessageReceived: {ActionStop, StateIdle},
	},
	StateHelloSent: {
		EventChannelStart:    {ActionNone, StateHelloSent},
		EventChannelStop:     {ActionStop, StateIdle},
		EventChannelExpired:  {ActionExpire, StateDisable},
		EventTcpOpen:         {ActionStop, StateIdle},
		EventTcpClosed:       {ActionStop, StateIdle},
		EventTcpFailed:       {ActionStop, StateIdle},
		EventHelloReceived:   {ActionHelloConfirm, StateEstablished},
		EventMessageReceived: {ActionNone, StateHelloSent},
	},
	StateEstablished: {
		EventChannelStart:    {ActionNone, StateEstablished},
		EventChannelStop:     {ActionStop, StateIdle},
		EventChannelExpired:  {ActionExpire, StateDisable},
		EventTcpOpen:         {ActionStop, StateIdle},
		EventTcpClosed:       {ActionStop, StateIdle},
		EventTcpFailed:       {ActionStop, StateIdle},
		EventHelloReceived:   {ActionProcessMessage, StateEstablished},
		EventMessageReceived: {ActionProcessMessage, StateEstablished},
	},
	StateDisable: {
		EventChannelStart:    {ActionNone, StateDisable},
		EventChannelStop:     {ActionNone, StateDisable},
		EventChannelExpired:  {ActionExpire, StateDisable},
		EventTcpOpen:         {ActionNone, StateDisable},
		EventTcpClosed:       {ActionNone, StateDisable},
		EventTcpFailed:       {ActionNone, StateDisable},
		EventHelloReceived:   {ActionNone, StateDisable},
		EventMessageReceived: {ActionNone, StateDisable},
	},
}

var allStates = []State{StateIdle, StateConnect, StateHelloSent, StateEstablished, StateDisable}
var allEvents = []Event{
	EventChannelStart, EventChannelStop, EventChannelExpired, EventTcpOpen,
	EventTcpClosed, EventTcpFailed, EventHelloReceived, EventMessageReceived,
}

// transition looks up the fixed table. It never fails: spec.md §8 property 1
// requires every cell be defined, and init() below verifies that at package
// load time rather than leaving gaps to be discovered at runtime.
func transition(s State, e Event) (Action, State) {
	cell := transitionTable[s][e]
	return cell.action, cell.next
}

func init() {
	for _, s := range allStates {
		row, ok := transitionTable[s]
		if !ok {
			panic(fmt.Sprintf("channel fsm: missing row for state %v", s))
		}
		for _, e := range allEvents {
			if _, ok := row[e]; !ok {
				panic(fmt.Sprintf("channel fsm: missing cell (%v, %v)", s, e))
			}
		}
	}
}

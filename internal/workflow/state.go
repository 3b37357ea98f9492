package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// State is a step of the per-account workflow.
type State int

const (
	Idle State = iota
	DriverReady
	Authenticated
	FiltersApplied
	SubTask
	TornDown
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DriverReady:
		return "driver_ready"
	case Authenticated:
		return "authenticated"
	case FiltersApplied:
		return "filters_applied"
	case SubTask:
		return "sub_task"
	case TornDown:
		return "torn_down"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidState = errors.New("invalid workflow transition")

var transitions = map[State][]State{
	Idle:           {DriverReady, Aborted},
	DriverReady:    {Authenticated, Aborted},
	Authenticated:  {FiltersApplied, Aborted},
	FiltersApplied: {SubTask, TornDown},
	SubTask:        {SubTask, TornDown},
}

// Step is one entry of the machine history. Index is the 1-based
// sub-task number for SubTask steps and zero otherwise.
type Step struct {
	State State
	Index int
}

func (s Step) String() string {
	if s.State == SubTask {
		return fmt.Sprintf("%s[%d]", s.State, s.Index)
	}
	return s.State.String()
}

// Machine tracks the current state and rejects edges outside the
// transition table. TornDown and Aborted are terminal.
type Machine struct {
	history []Step
}

func NewMachine() *Machine {
	return &Machine{history: []Step{{State: Idle}}}
}

func (m *Machine) Current() Step { return m.history[len(m.history)-1] }

func (m *Machine) History() []Step { return append([]Step(nil), m.history...) }

func (m *Machine) To(next State) error {
	cur := m.Current()
	for _, allowed := range transitions[cur.State] {
		if allowed != next {
			continue
		}
		step := Step{State: next}
		if next == SubTask {
			step.Index = 1
			if cur.State == SubTask {
				step.Index = cur.Index + 1
			}
		}
		m.history = append(m.history, step)
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, cur, next)
}

// Trace renders the history as "idle > driver_ready > ...".
func (m *Machine) Trace() string {
	parts := make([]string, len(m.history))
	for i, s := range m.history {
		parts[i] = s.String()
	}
	return strings.Join(parts, " > ")
}

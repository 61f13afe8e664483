package agent

import "github.com/haasonsaas/mcpmux/internal/mcp"

// Phase is where a turn is in its loop.
type Phase int

const (
	PhaseAwaitModel Phase = iota
	PhaseExecuteTool
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitModel:
		return "await_model"
	case PhaseExecuteTool:
		return "execute_tool"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// State is the per-turn loop state.
type State struct {
	Token       string
	Step        int
	Observation string
	Phase       Phase
	LastResult  *mcp.Result
	Final       string

	toolCalls int
}

// answer picks the text returned to the caller and the outcome label.
func (s *State) answer() (string, string) {
	switch {
	case s.Final != "":
		return s.Final, "final"
	case s.LastResult != nil:
		return ExhaustedPrefix + "\n" + encodeJSON(*s.LastResult, "  "), "exhausted"
	default:
		return NoResponse, "empty"
	}
}

package conversation

import (
	"sync"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// Step is a position in the conversation state machine.
type Step string

const (
	StepIdle                 Step = "idle"
	StepCollectingName       Step = "collecting_name"
	StepCollectingProblem    Step = "collecting_problem"
	StepCollectingQuestion   Step = "collecting_question"
	StepCollectingLetterType Step = "collecting_letter_type"
	StepCollectingLetterName Step = "collecting_letter_name"
)

// scratch keys
const (
	scratchName       = "name"
	scratchLetterType = "letter_type"
)

// State is one user's conversation state. Scratch is only populated while
// Step is not StepIdle.
type State struct {
	Step     Step
	Language models.Language
	Scratch  map[string]string
}

func (s State) clone() State {
	out := s
	if s.Scratch != nil {
		out.Scratch = make(map[string]string, len(s.Scratch))
		for k, v := range s.Scratch {
			out.Scratch[k] = v
		}
	}
	return out
}

// idle returns s reset to the menu with its language kept.
func (s State) idle() State {
	return State{Step: StepIdle, Language: s.Language}
}

type userEntry struct {
	mu       sync.Mutex
	state    State
	loaded   bool
	prompted bool // language prompt sent
}

// Registry holds conversation state for every user seen by this process,
// keyed by user id across all tenants.
type Registry struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*userEntry)}
}

// lock returns the user's entry with its lock held. Messages from one user
// are handled one at a time; different users proceed in parallel.
func (r *Registry) lock(userID string) *userEntry {
	r.mu.Lock()
	e, ok := r.users[userID]
	if !ok {
		e = &userEntry{state: State{Step: StepIdle}}
		r.users[userID] = e
	}
	r.mu.Unlock()
	e.mu.Lock()
	return e
}

// Get returns a copy of the user's state.
func (r *Registry) Get(userID string) (State, bool) {
	r.mu.Lock()
	e, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// Len returns the number of users with state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

// overrideRequest is the body of PUT /controllers/{name}/override. Exactly
// one of Until (RFC3339) and For (Go duration) must be set.
type overrideRequest struct {
	State string `json:"state"`
	Until string `json:"until,omitempty"`
	For   string `json:"for,omitempty"`
}

func (r overrideRequest) schedule(now time.Time) (*scheduling.OverrideSchedule, error) {
	state, err := scheduling.ParseTargetState(r.State)
	if err != nil {
		return nil, err
	}

	var until time.Time
	switch {
	case r.Until != "" && r.For != "":
		return nil, errors.New("set either until or for, not both")
	case r.Until != "":
		until, err = time.Parse(time.RFC3339, r.Until)
		if err != nil {
			return nil, fmt.Errorf("invalid until: %w", err)
		}
	case r.For != "":
		d, err := time.ParseDuration(r.For)
		if err != nil {
			return nil, fmt.Errorf("invalid for: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("for %v must be positive", d)
		}
		until = now.Add(d)
	default:
		return nil, errors.New("until or for is required")
	}

	if !until.After(now) {
		return nil, fmt.Errorf("until %s is not in the future", until.UTC().Format(time.RFC3339))
	}
	return &scheduling.OverrideSchedule{State: state, Until: until}, nil
}

type overrideResponse struct {
	Controller string               `json:"controller"`
	Override   *status.OverrideJSON `json:"override"`
}

// TransitionJSON is one entry of the transitions endpoint.
type TransitionJSON struct {
	ID     int64  `json:"id"`
	State  string `json:"state"`
	Source string `json:"source,omitempty"`
	At     string `json:"at"`
}

// TransitionsJSON is the body of GET /controllers/{name}/transitions.
type TransitionsJSON struct {
	Controller  string           `json:"controller"`
	Transitions []TransitionJSON `json:"transitions"`
}

func formatTransitions(name string, transitions []store.Transition) TransitionsJSON {
	out := TransitionsJSON{
		Controller:  name,
		Transitions: make([]TransitionJSON, 0, len(transitions)),
	}
	for _, t := range transitions {
		out.Transitions = append(out.Transitions, TransitionJSON{
			ID:     t.ID,
			State:  t.State,
			Source: t.Source,
			At:     t.At.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorJSON{Error: msg})
}

package types

import (
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Flow is a named workflow registered with the server.
type Flow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FlowRun is one invocation of a Flow. Its task runs are tracked by the coordinator.
type FlowRun struct {
	ID         string     `json:"id"`
	FlowID     string     `json:"flowId"`
	Name       string     `json:"name"`
	State      RunState   `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// FlowFilter selects flows by name. Names matches any of the exact names;
// Like is a glob ("etl-*") matched against the whole name.
type FlowFilter struct {
	Names []string `json:"names,omitempty"`
	Like  string   `json:"like,omitempty"`
}

// Matches reports whether f passes the filter.
func (ff FlowFilter) Matches(f Flow) bool {
	if len(ff.Names) > 0 && !slices.Contains(ff.Names, f.Name) {
		return false
	}
	if ff.Like != "" {
		ok, err := doublestar.Match(ff.Like, f.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

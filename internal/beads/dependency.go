package beads

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// jsonTime tolerates both RFC3339 strings and unix-seconds numbers, since
// different bd versions have emitted both for created_at/updated_at.
type jsonTime struct {
	time.Time
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, asString)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", asString, err)
		}
		t.Time = parsed
		return nil
	}

	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return fmt.Errorf("timestamp is neither string nor number: %w", err)
	}
	secs, err := strconv.ParseInt(asNumber.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing unix timestamp %q: %w", asNumber, err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// rawDependency tolerates the two shapes `bd show --json`'s dependency list
// can take on the wire: a bare blocker id string, or an object carrying
// depends_on_id/type. Parent-child typed relationships are dropped; only
// blocking dependencies feed readiness (SPEC_FULL §9, "dynamic union from
// external JSON").
type rawDependency struct {
	id   string
	typ  string
	isID bool
}

func (d *rawDependency) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		d.id = asString
		d.isID = true
		return nil
	}

	var asObject struct {
		ID           string `json:"id"`
		DependsOnID  string `json:"depends_on_id"`
		Type         string `json:"type"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return err
	}
	d.id = asObject.DependsOnID
	if d.id == "" {
		d.id = asObject.ID
	}
	d.typ = asObject.Type
	return nil
}

// normalizeDependencies collapses a raw, mixed-shape dependency list down
// to the blocker ids that gate readiness, dropping anything explicitly
// typed as a parent-child link.
func normalizeDependencies(raw []rawDependency) []string {
	ids := make([]string, 0, len(raw))
	for _, d := range raw {
		if d.typ == "parent-child" {
			continue
		}
		if d.id == "" {
			continue
		}
		ids = append(ids, d.id)
	}
	return ids
}

// issueWire is the on-the-wire shape `bd show --json` / `bd list --json`
// emit, before dependency normalization collapses it into an Issue.
type issueWire struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Type           IssueType       `json:"type"`
	Status         Status          `json:"status"`
	Priority       Priority        `json:"priority"`
	Labels         []string        `json:"labels"`
	Parent         string          `json:"parent,omitempty"`
	CreatedAt      jsonTime        `json:"created_at"`
	UpdatedAt      jsonTime        `json:"updated_at"`
	Dependencies   []rawDependency `json:"dependencies"`
	DiscoveredFrom []string        `json:"discovered_from,omitempty"`
	Discovered     []string        `json:"discovered,omitempty"`
}

func (w issueWire) toIssue() Issue {
	return Issue{
		ID:             w.ID,
		Title:          w.Title,
		Description:    w.Description,
		Type:           w.Type,
		Status:         w.Status,
		Priority:       w.Priority,
		Labels:         w.Labels,
		Parent:         w.Parent,
		CreatedAt:      w.CreatedAt.Time,
		UpdatedAt:      w.UpdatedAt.Time,
		Dependencies:   normalizeDependencies(w.Dependencies),
		DiscoveredFrom: w.DiscoveredFrom,
		Discovered:     w.Discovered,
	}
}

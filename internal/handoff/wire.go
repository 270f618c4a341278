package handoff

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// decodeWireMap parses data as YAML (which also accepts JSON, since JSON
// is a YAML subset) into a loosely-typed map, the first step in tolerating
// both wire shapes a fenced handoff block can arrive in.
func decodeWireMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// firstString returns the first present key's value coerced to a string,
// tolerating the snake_case/camelCase spelling split the agent's output
// might use for the same field.
func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// firstInt returns the first present key's value coerced to an int,
// accepting either a numeric or string-encoded wire value for pr_number.
func firstInt(m map[string]any, keys ...string) (int, bool, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case int:
			return val, true, nil
		case int64:
			return int(val), true, nil
		case float64:
			return int(val), true, nil
		case string:
			if val == "" {
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return 0, false, fmt.Errorf("pr_number %q is not numeric: %w", val, err)
			}
			return n, true, nil
		}
	}
	return 0, false, nil
}

// decodeHandoffMap normalizes a loosely-typed wire map into a Handoff,
// accepting both key spellings for every field (SPEC_FULL §4.4's
// generalization of the dependencies dynamic-union idiom).
func decodeHandoffMap(m map[string]any) (Handoff, error) {
	next, ok := firstString(m, "next_agent", "nextAgent")
	if !ok {
		return Handoff{}, fmt.Errorf("missing next_agent")
	}
	context := ""
	if v, present := m["context"]; present {
		s, ok := v.(string)
		if !ok {
			return Handoff{}, fmt.Errorf("context must be a string, got %T", v)
		}
		context = s
	}

	prNumber, _, err := firstInt(m, "pr_number", "prNumber")
	if err != nil {
		return Handoff{}, err
	}

	ciStatus, _ := firstString(m, "ci_status", "ciStatus")

	h := Handoff{
		NextAgent: NextAgent(next),
		Context:   context,
		PRNumber:  prNumber,
		CIStatus:  CIStatus(ciStatus),
	}
	if err := h.Validate(); err != nil {
		return Handoff{}, err
	}
	return h, nil
}

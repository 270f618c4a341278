package beads

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawDependencyUnmarshalString(t *testing.T) {
	var d rawDependency
	require.NoError(t, json.Unmarshal([]byte(`"whs-42"`), &d))
	assert.Equal(t, "whs-42", d.id)
	assert.True(t, d.isID)
}

func TestRawDependencyUnmarshalObject(t *testing.T) {
	var d rawDependency
	raw := `{"id":"dep-1","depends_on_id":"whs-7","type":"blocks"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	assert.Equal(t, "whs-7", d.id)
	assert.Equal(t, "blocks", d.typ)
}

func TestNormalizeDependenciesDropsParentChild(t *testing.T) {
	raw := []rawDependency{
		{id: "whs-1", typ: "blocks"},
		{id: "whs-2", typ: "parent-child"},
		{id: "", typ: "blocks"},
		{id: "whs-3"},
	}
	got := normalizeDependencies(raw)
	assert.Equal(t, []string{"whs-1", "whs-3"}, got)
}

func TestJSONTimeUnmarshalRFC3339(t *testing.T) {
	var jt jsonTime
	require.NoError(t, json.Unmarshal([]byte(`"2026-01-15T10:30:00Z"`), &jt))
	assert.Equal(t, 2026, jt.Time.Year())
}

func TestJSONTimeUnmarshalUnixSeconds(t *testing.T) {
	var jt jsonTime
	require.NoError(t, json.Unmarshal([]byte(`1700000000`), &jt))
	assert.False(t, jt.Time.IsZero())
}

func TestIssueWireToIssue(t *testing.T) {
	raw := `{
		"id": "whs-9",
		"title": "fix bug",
		"status": "open",
		"priority": 1,
		"dependencies": ["whs-1", {"depends_on_id": "whs-2", "type": "blocks"}, {"depends_on_id": "whs-3", "type": "parent-child"}]
	}`
	var wire issueWire
	require.NoError(t, json.Unmarshal([]byte(raw), &wire))
	issue := wire.toIssue()
	assert.Equal(t, "whs-9", issue.ID)
	assert.ElementsMatch(t, []string{"whs-1", "whs-2"}, issue.Dependencies)
}

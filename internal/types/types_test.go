package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashStability(t *testing.T) {
	a := &Issue{Title: "Fix login", Description: "bug", Status: StatusBacklog}
	b := &Issue{Title: "Fix login", Description: "bug", Status: StatusBacklog}
	assert.Equal(t, a.ComputeContentHash(), b.ComputeContentHash())

	// Priority must not affect the hash.
	b.Priority = PriorityUrgent
	assert.Equal(t, a.ComputeContentHash(), b.ComputeContentHash())

	// Any hashed field change must.
	b.Status = StatusDone
	assert.NotEqual(t, a.ComputeContentHash(), b.ComputeContentHash())
}

func TestContentHashSeparatorAmbiguity(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	h1 := ContentHash("ab", "c", StatusTodo)
	h2 := ContentHash("a", "bc", StatusTodo)
	assert.NotEqual(t, h1, h2)
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix login", "fix login"},
		{"  Fix   login  ", "fix login"},
		{"[P0] Fix login", "fix login"},
		{"[bug] [wip] Fix Login", "fix login"},
		{"[P0][bug] Fix login", "fix login"},
		{"No [inline] strip", "no [inline] strip"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), "input %q", tt.in)
	}
}

func TestProjectValidate(t *testing.T) {
	p := &Project{Identifier: "HVSYN", Name: "Huly Vibe Sync"}
	require.NoError(t, p.Validate())

	bad := &Project{Identifier: "hvsyn", Name: "x"}
	assert.Error(t, bad.Validate())

	rel := &Project{Identifier: "HVSYN", Name: "x", FSPath: "relative/path"}
	assert.Error(t, rel.Validate())
}

func TestIssueValidateAndDefaults(t *testing.T) {
	i := &Issue{Identifier: "HVSYN-1", ProjectID: "HVSYN", Title: "t"}
	i.SetDefaults()
	require.NoError(t, i.Validate())
	assert.Equal(t, StatusBacklog, i.Status)
	assert.Equal(t, PriorityNone, i.Priority)

	i.Status = "bogus"
	assert.Error(t, i.Validate())
}

func TestUnixMilliRoundTrip(t *testing.T) {
	assert.Equal(t, int64(0), UnixMilli(time.Time{}))
	assert.True(t, FromUnixMilli(0).IsZero())

	now := time.Now().Truncate(time.Millisecond)
	assert.Equal(t, now.UnixMilli(), UnixMilli(now))
	assert.Equal(t, now.UTC(), FromUnixMilli(UnixMilli(now)))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, Status("open").IsValid())
}

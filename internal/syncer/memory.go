package syncer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/types"
)

// Memory block labels pushed to project agents.
const (
	BlockProjectInfo  = "project_info"
	BlockActiveIssues = "active_issues"
	BlockDoneIssues   = "recently_done"
)

// maxDoneIssues bounds the recently-done block; agents only need a
// tail, not history.
const maxDoneIssues = 25

// BuildMemoryBlocks derives the agent memory block set from the
// post-phase issue snapshot. Output ordering is stable so the block-set
// hash is deterministic.
func BuildMemoryBlocks(project *types.Project, issues []*types.Issue) []letta.Block {
	sorted := make([]*types.Issue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })

	var active, done []string
	for _, issue := range sorted {
		if issue.RemovedFromHuly && issue.RemovedFromTracker {
			continue
		}
		line := fmt.Sprintf("%s [%s/%s] %s", issue.Identifier, issue.Status, issue.Priority, issue.Title)
		if issue.Status.Terminal() {
			done = append(done, line)
		} else {
			active = append(active, line)
		}
	}
	if len(done) > maxDoneIssues {
		done = done[len(done)-maxDoneIssues:]
	}

	info := fmt.Sprintf("Project: %s (%s)\nTracked issues: %d active, %d done",
		project.Name, project.Identifier, len(active), len(done))

	return []letta.Block{
		{Label: BlockProjectInfo, Value: info},
		{Label: BlockActiveIssues, Value: joinOrEmpty(active)},
		{Label: BlockDoneIssues, Value: joinOrEmpty(done)},
	}
}

func joinOrEmpty(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}

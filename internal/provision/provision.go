// Package provision creates and binds per-project agents on the agent
// platform: tag-scoped lookup, newest-wins duplicate handling, tool
// inheritance from a control agent, and the local settings echo that
// tells in-repo tooling which agent owns the project.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/types"
)

// SettingsFile is the per-repo echo of the agent binding.
const SettingsFile = "settings.local.json"

// AgentsClient is the slice of the agent platform client the
// provisioner needs.
type AgentsClient interface {
	SearchAgents(ctx context.Context, name string, matchAllTags []string) ([]letta.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*letta.Agent, error)
	CreateAgent(ctx context.Context, req letta.CreateAgentRequest) (*letta.Agent, error)
	ListTools(ctx context.Context, agentID string) ([]letta.Tool, error)
	AttachTool(ctx context.Context, agentID, toolID string) error
}

// Binder persists the project-to-agent binding and records cleanup
// tasks. Implemented by the store.
type Binder interface {
	UpsertProject(ctx context.Context, p *types.Project) error
	CreatePendingOp(ctx context.Context, op *types.PendingOp) (string, error)
}

// Provisioner ensures each project has exactly one bound agent.
type Provisioner struct {
	client         AgentsClient
	binder         Binder
	controlAgentID string
}

// New creates a provisioner. controlAgentID may be empty; new agents
// then start with the platform's default tool set.
func New(client AgentsClient, binder Binder, controlAgentID string) *Provisioner {
	return &Provisioner{client: client, binder: binder, controlAgentID: controlAgentID}
}

// AgentName derives the canonical agent name for a project.
func AgentName(p *types.Project) string {
	return strings.ToLower(p.Identifier) + "-agent"
}

// EnsureAgent returns the project's agent, creating and binding one if
// needed. The store binding is authoritative; a binding pointing at a
// deleted agent self-heals by re-provisioning.
func (pr *Provisioner) EnsureAgent(ctx context.Context, project *types.Project) (*letta.Agent, error) {
	if project.AgentID != "" {
		agent, err := pr.client.GetAgent(ctx, project.AgentID)
		if err == nil {
			return agent, nil
		}
		if !httpx.IsNotFound(err) {
			return nil, err
		}
		debug.Warnf("provision: bound agent %s for %s is gone, re-provisioning", project.AgentID, project.Identifier)
	}

	agent, err := pr.findExisting(ctx, project)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		agent, err = pr.create(ctx, project)
		if err != nil {
			return nil, err
		}
	}

	project.AgentID = agent.ID
	if err := pr.binder.UpsertProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to persist agent binding: %w", err)
	}

	if err := WriteSettings(project.FSPath, project.Identifier, agent.ID); err != nil {
		// The repo echo is a convenience; the store binding is what
		// the engine trusts.
		debug.Warnf("provision: settings echo for %s: %v", project.Identifier, err)
	}
	debug.LogEvent("AGENT_BOUND", project.Identifier, agent.ID, agent.Name)
	return agent, nil
}

// findExisting searches by the full tag set plus name. Multiple
// matches mean an earlier run raced or a human cloned an agent; the
// newest wins and the rest are reported, never deleted.
func (pr *Provisioner) findExisting(ctx context.Context, project *types.Project) (*letta.Agent, error) {
	tags := []string{letta.SyncTag, letta.ProjectTag(project.Identifier)}
	agents, err := pr.client.SearchAgents(ctx, AgentName(project), tags)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	if len(agents) > 1 {
		debug.Warnf("provision: %d agents match %s; using newest %s",
			len(agents), project.Identifier, agents[0].ID)
		pr.scheduleDedup(ctx, project, agents)
	}
	return &agents[0], nil
}

// dedupPayload lists surplus agents for the cleanup task.
type dedupPayload struct {
	Project string   `json:"project"`
	Adopted string   `json:"adopted"`
	Surplus []string `json:"surplus"`
}

// scheduleDedup records a cleanup task naming the surplus agents. The
// engine never deletes agents itself; the task surfaces them for
// review.
func (pr *Provisioner) scheduleDedup(ctx context.Context, project *types.Project, agents []letta.Agent) {
	surplus := make([]string, 0, len(agents)-1)
	for _, a := range agents[1:] {
		surplus = append(surplus, a.ID)
	}
	payload, _ := json.Marshal(dedupPayload{
		Project: project.Identifier,
		Adopted: agents[0].ID,
		Surplus: surplus,
	})
	if _, err := pr.binder.CreatePendingOp(ctx, &types.PendingOp{
		OpType:    types.OpDedupAgents,
		System:    "letta",
		ProjectID: project.Identifier,
		Payload:   string(payload),
	}); err != nil {
		debug.Warnf("provision: failed to record dedup task for %s: %v", project.Identifier, err)
	}
	debug.LogEvent("AGENT_DEDUP_SCHEDULED", project.Identifier, agents[0].ID,
		strings.Join(surplus, ","))
}

func (pr *Provisioner) create(ctx context.Context, project *types.Project) (*letta.Agent, error) {
	blocks := append([]letta.Block{personaBlock(project)}, syncer.BuildMemoryBlocks(project, nil)...)
	agent, err := pr.client.CreateAgent(ctx, letta.CreateAgentRequest{
		Name:         AgentName(project),
		Tags:         []string{letta.SyncTag, letta.ProjectTag(project.Identifier)},
		MemoryBlocks: blocks,
	})
	if err != nil {
		return nil, err
	}
	debug.Logf("provision: created agent %s for %s", agent.ID, project.Identifier)

	if pr.controlAgentID != "" {
		if err := pr.inheritTools(ctx, agent.ID); err != nil {
			debug.Warnf("provision: tool inheritance for %s: %v", agent.ID, err)
		}
	}
	return agent, nil
}

// inheritTools copies the control agent's tool set onto the new agent.
func (pr *Provisioner) inheritTools(ctx context.Context, agentID string) error {
	tools, err := pr.client.ListTools(ctx, pr.controlAgentID)
	if err != nil {
		return fmt.Errorf("failed to list control-agent tools: %w", err)
	}
	for _, tool := range tools {
		if err := pr.client.AttachTool(ctx, agentID, tool.ID); err != nil {
			debug.Warnf("provision: attach tool %s to %s: %v", tool.Name, agentID, err)
		}
	}
	return nil
}

func personaBlock(project *types.Project) letta.Block {
	return letta.Block{
		Label: "persona",
		Value: fmt.Sprintf("You are the project assistant for %s (%s). "+
			"You track its issues, answer questions about their state, and "+
			"keep your memory blocks as the source of truth for project status.",
			project.Name, project.Identifier),
	}
}

// settingsPayload is the vibesync section of settings.local.json.
type settingsPayload struct {
	Project string `json:"project"`
	AgentID string `json:"agentId"`
}

// WriteSettings merges the agent binding into the repo's local
// settings file, preserving unrelated keys. No-op when the project has
// no filesystem path.
func WriteSettings(fsPath, projectID, agentID string) error {
	if fsPath == "" {
		return nil
	}
	path := filepath.Join(fsPath, SettingsFile)

	settings := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("existing %s is not valid JSON: %w", SettingsFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	section, err := json.Marshal(settingsPayload{Project: projectID, AgentID: agentID})
	if err != nil {
		return err
	}
	settings["vibesync"] = section

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

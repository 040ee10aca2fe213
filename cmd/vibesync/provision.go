package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/provision"
	"github.com/hulylabs/vibesync/internal/types"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [project...]",
	Short: "Ensure each project has a bound agent",
	Long: `Looks up or creates the per-project agent on the agent platform, binds
it in the mapping store, and echoes the binding into the repository's
settings.local.json. With no arguments, provisions every known project.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProvision(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(ctx context.Context, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	if cfg.AgentsAPIURL == "" {
		return exitWith(1, fmt.Errorf("AGENTS_API_URL is required for provisioning"))
	}

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	projects, err := eng.discoverProjects(ctx)
	if err != nil {
		return exitWith(2, err)
	}
	if len(args) > 0 {
		projects, err = selectProjects(projects, args)
		if err != nil {
			return exitWith(1, err)
		}
	}

	prov := provision.New(eng.agents, eng.st, cfg.ControlAgentID)
	var failed int
	for _, p := range projects {
		agent, err := prov.EnsureAgent(ctx, p)
		if err != nil {
			failed++
			debug.Warnf("project %s: %v", p.Identifier, err)
			continue
		}
		debug.PrintNormal("%s -> agent %s (%s)\n", p.Identifier, agent.Name, agent.ID)
	}
	if failed > 0 {
		return fmt.Errorf("provisioning failed for %d project(s)", failed)
	}
	return nil
}

func selectProjects(all []*types.Project, idents []string) ([]*types.Project, error) {
	byID := make(map[string]*types.Project, len(all))
	for _, p := range all {
		byID[p.Identifier] = p
	}
	picked := make([]*types.Project, 0, len(idents))
	for _, id := range idents {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown project %q", id)
		}
		picked = append(picked, p)
	}
	return picked, nil
}

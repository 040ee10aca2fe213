// Package letta implements the REST client for the agent platform.
// Agents hold per-project memory blocks; the sync engine creates
// agents on demand and keeps their blocks current.
package letta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hulylabs/vibesync/internal/httpx"
)

// SyncTag marks every agent this engine manages.
const SyncTag = "huly-vibe-sync"

// ProjectTag returns the per-project scoping tag.
func ProjectTag(identifier string) string {
	return "project:" + identifier
}

// Agent is an agent platform record.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Block is one agent memory block.
type Block struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// Tool is an attachable agent tool.
type Tool struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateAgentRequest seeds a new agent.
type CreateAgentRequest struct {
	Name         string   `json:"name"`
	Tags         []string `json:"tags"`
	MemoryBlocks []Block  `json:"memory_blocks,omitempty"`
}

// Client talks to the agent platform REST API.
type Client struct {
	baseURL string
	token   string
	http    *httpx.Client
}

// NewClient creates an agent platform client.
func NewClient(baseURL, token string, hc *httpx.Client) *Client {
	if hc == nil {
		hc = httpx.NewClient(httpx.Options{Timeout: 60 * time.Second})
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, op string) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return c.http.Do(ctx, httpx.Request{
		Method:    method,
		URL:       c.baseURL + path,
		Body:      body,
		Headers:   headers,
		Operation: "letta." + op,
	})
}

// SearchAgents returns agents carrying every given tag, filtered to an
// exact name when name is non-empty.
func (c *Client) SearchAgents(ctx context.Context, name string, matchAllTags []string) ([]Agent, error) {
	params := url.Values{}
	for _, tag := range matchAllTags {
		params.Add("tags", tag)
	}
	params.Set("match_all_tags", "true")
	if name != "" {
		params.Set("name", name)
	}
	body, err := c.do(ctx, "GET", "/agents?"+params.Encode(), nil, "search_agents")
	if err != nil {
		return nil, err
	}
	var agents []Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		return nil, fmt.Errorf("failed to parse agents response: %w", err)
	}
	return agents, nil
}

// GetAgent fetches one agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	body, err := c.do(ctx, "GET", "/agents/"+url.PathEscape(agentID), nil, "get_agent")
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse agent response: %w", err)
	}
	return &agent, nil
}

// CreateAgent creates a tagged agent seeded with memory blocks.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	body, err := c.do(ctx, "POST", "/agents", req, "create_agent")
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &agent, nil
}

// ListTools returns the tools attached to an agent. Used against the
// control agent to discover the canonical tool bundle.
func (c *Client) ListTools(ctx context.Context, agentID string) ([]Tool, error) {
	body, err := c.do(ctx, "GET", "/agents/"+url.PathEscape(agentID)+"/tools", nil, "list_tools")
	if err != nil {
		return nil, err
	}
	var tools []Tool
	if err := json.Unmarshal(body, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	return tools, nil
}

// AttachTool attaches one tool to an agent. A conflict means the tool
// is already attached; callers treat that as success.
func (c *Client) AttachTool(ctx context.Context, agentID, toolID string) error {
	_, err := c.do(ctx, "PATCH",
		"/agents/"+url.PathEscape(agentID)+"/tools/attach/"+url.PathEscape(toolID),
		nil, "attach_tool")
	if httpx.IsConflict(err) {
		return nil
	}
	return err
}

// ListBlocks returns an agent's memory blocks.
func (c *Client) ListBlocks(ctx context.Context, agentID string) ([]Block, error) {
	body, err := c.do(ctx, "GET", "/agents/"+url.PathEscape(agentID)+"/core-memory/blocks", nil, "list_blocks")
	if err != nil {
		return nil, err
	}
	var blocks []Block
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, fmt.Errorf("failed to parse blocks response: %w", err)
	}
	return blocks, nil
}

// CreateBlock adds a new memory block to an agent.
func (c *Client) CreateBlock(ctx context.Context, agentID string, block Block) error {
	_, err := c.do(ctx, "POST",
		"/agents/"+url.PathEscape(agentID)+"/core-memory/blocks", block, "create_block")
	return err
}

// UpdateBlock replaces the value of an existing block by label.
func (c *Client) UpdateBlock(ctx context.Context, agentID, label, value string) error {
	_, err := c.do(ctx, "PATCH",
		"/agents/"+url.PathEscape(agentID)+"/core-memory/blocks/"+url.PathEscape(label),
		map[string]string{"value": value}, "update_block")
	return err
}

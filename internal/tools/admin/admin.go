// Package admin implements the runtime_admin tool: skill upserts, dynamic
// shell-tool installs, and MCP server entries. Every mutating action runs
// through the approval lifecycle.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/orchbot/orchbot/internal/tools"
)

var skillNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

// Config wires runtime_admin to the stores it mutates.
type Config struct {
	Workspace  string
	SkillsDir  string
	ShellTools *tools.ShellToolStore
	Registry   *tools.Registry
	// ReloadSkills re-reads the skills directory after an upsert or delete.
	ReloadSkills func() error
}

// Tool is the runtime_admin dispatcher.
type Tool struct {
	cfg Config
}

// New creates the runtime_admin tool.
func New(cfg Config) *Tool {
	if cfg.SkillsDir == "" {
		cfg.SkillsDir = filepath.Join(cfg.Workspace, "skills")
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return "runtime_admin" }
func (t *Tool) Description() string {
	return "Administer the runtime: upsert/delete skills, install/uninstall shell tools, manage MCP server entries. Requires approval."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []any{
				"upsert_skill", "delete_skill", "list_skills",
				"install_tool", "uninstall_tool", "list_installed_tools",
				"set_mcp_server", "remove_mcp_server", "list_mcp_servers",
			},
		},
		"name":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string", "description": "Skill markdown body for upsert_skill."},
		"tool": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":              map[string]any{"type": "string"},
				"description":       map[string]any{"type": "string"},
				"params":            map[string]any{"type": "object"},
				"command":           map[string]any{"type": "string"},
				"working_dir":       map[string]any{"type": "string"},
				"requires_approval": map[string]any{"type": "boolean"},
			},
			"required":             []any{"name", "command", "params"},
			"additionalProperties": false,
		},
		"server": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"env":     map[string]any{"type": "object"},
			},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
	}, []string{"action"})
}

func (t *Tool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	action, _ := params["action"].(string)
	if mutating(action) && !tools.Approved(params) {
		return tools.ApprovalRequired("runtime_admin action: " + action), nil
	}
	switch action {
	case "upsert_skill":
		return t.upsertSkill(params)
	case "delete_skill":
		return t.deleteSkill(params)
	case "list_skills":
		return t.listSkills()
	case "install_tool":
		return t.installTool(params)
	case "uninstall_tool":
		return t.uninstallTool(params)
	case "list_installed_tools":
		return t.listInstalledTools()
	case "set_mcp_server":
		return t.setMCPServer(params)
	case "remove_mcp_server":
		return t.removeMCPServer(params)
	case "list_mcp_servers":
		return t.listMCPServers()
	default:
		return tools.Errorf("unknown action %q", action), nil
	}
}

func mutating(action string) bool {
	switch action {
	case "list_skills", "list_installed_tools", "list_mcp_servers":
		return false
	}
	return true
}

func (t *Tool) upsertSkill(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if !skillNameRe.MatchString(name) {
		return tools.Errorf("invalid skill name %q", name), nil
	}
	content, _ := params["content"].(string)
	if strings.TrimSpace(content) == "" {
		return tools.Errorf("content is required for upsert_skill"), nil
	}
	if err := os.MkdirAll(t.cfg.SkillsDir, 0o755); err != nil {
		return tools.Errorf("create skills dir: %v", err), nil
	}
	path := filepath.Join(t.cfg.SkillsDir, name+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return tools.Errorf("write skill: %v", err), nil
	}
	if err := t.reloadSkills(); err != nil {
		return tools.Errorf("skill written but reload failed: %v", err), nil
	}
	return fmt.Sprintf("Skill %s saved.", name), nil
}

func (t *Tool) deleteSkill(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if !skillNameRe.MatchString(name) {
		return tools.Errorf("invalid skill name %q", name), nil
	}
	path := filepath.Join(t.cfg.SkillsDir, name+".md")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return tools.Errorf("no skill named %s", name), nil
		}
		return tools.Errorf("delete skill: %v", err), nil
	}
	if err := t.reloadSkills(); err != nil {
		return tools.Errorf("skill deleted but reload failed: %v", err), nil
	}
	return fmt.Sprintf("Skill %s deleted.", name), nil
}

func (t *Tool) listSkills() (string, error) {
	entries, err := os.ReadDir(t.cfg.SkillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "No skills.", nil
		}
		return tools.Errorf("read skills dir: %v", err), nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
		}
	}
	if len(names) == 0 {
		return "No skills.", nil
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (t *Tool) reloadSkills() error {
	if t.cfg.ReloadSkills == nil {
		return nil
	}
	return t.cfg.ReloadSkills()
}

func (t *Tool) installTool(params map[string]any) (string, error) {
	raw, ok := params["tool"].(map[string]any)
	if !ok {
		return tools.Errorf("tool is required for install_tool"), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return tools.Errorf("encode tool spec: %v", err), nil
	}
	var spec tools.ShellToolSpec
	if err := json.Unmarshal(encoded, &spec); err != nil {
		return tools.Errorf("parse tool spec: %v", err), nil
	}
	if err := spec.Validate(); err != nil {
		return tools.Errorf("invalid tool spec: %v", err), nil
	}
	if err := t.cfg.ShellTools.Put(spec); err != nil {
		return tools.Errorf("persist tool: %v", err), nil
	}
	if err := t.cfg.Registry.LoadDynamicTools(t.cfg.ShellTools); err != nil {
		return tools.Errorf("tool persisted but registration failed: %v", err), nil
	}
	return fmt.Sprintf("Tool %s installed.", spec.Name), nil
}

func (t *Tool) uninstallTool(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return tools.Errorf("name is required for uninstall_tool"), nil
	}
	if err := t.cfg.ShellTools.Remove(name); err != nil {
		return tools.Errorf("remove tool: %v", err), nil
	}
	if err := t.cfg.Registry.LoadDynamicTools(t.cfg.ShellTools); err != nil {
		return tools.Errorf("tool removed but refresh failed: %v", err), nil
	}
	return fmt.Sprintf("Tool %s uninstalled.", name), nil
}

func (t *Tool) listInstalledTools() (string, error) {
	specs, err := t.cfg.ShellTools.List()
	if err != nil {
		return tools.Errorf("list tools: %v", err), nil
	}
	if len(specs) == 0 {
		return "No installed tools.", nil
	}
	var b strings.Builder
	for _, spec := range specs {
		fmt.Fprintf(&b, "%s — %s\n", spec.Name, spec.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// mcpServer is one entry of the workspace .mcp.json file.
type mcpServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// mcpFile tolerates both key spellings seen in the wild; writes always use
// mcpServers.
type mcpFile struct {
	Servers map[string]mcpServer `json:"mcpServers,omitempty"`
	AltKey  map[string]mcpServer `json:"mcp_servers,omitempty"`
}

func (t *Tool) mcpPath() string {
	return filepath.Join(t.cfg.Workspace, ".mcp.json")
}

func (t *Tool) readMCP() (map[string]mcpServer, error) {
	raw, err := os.ReadFile(t.mcpPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]mcpServer{}, nil
		}
		return nil, err
	}
	var file mcpFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse .mcp.json: %w", err)
	}
	servers := map[string]mcpServer{}
	for name, srv := range file.AltKey {
		servers[name] = srv
	}
	for name, srv := range file.Servers {
		servers[name] = srv
	}
	return servers, nil
}

func (t *Tool) writeMCP(servers map[string]mcpServer) error {
	raw, err := json.MarshalIndent(mcpFile{Servers: servers}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.mcpPath(), append(raw, '\n'), 0o644)
}

func (t *Tool) setMCPServer(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return tools.Errorf("name is required for set_mcp_server"), nil
	}
	raw, ok := params["server"].(map[string]any)
	if !ok {
		return tools.Errorf("server is required for set_mcp_server"), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return tools.Errorf("encode server: %v", err), nil
	}
	var srv mcpServer
	if err := json.Unmarshal(encoded, &srv); err != nil {
		return tools.Errorf("parse server: %v", err), nil
	}
	servers, err := t.readMCP()
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	servers[name] = srv
	if err := t.writeMCP(servers); err != nil {
		return tools.Errorf("write .mcp.json: %v", err), nil
	}
	return fmt.Sprintf("MCP server %s configured.", name), nil
}

func (t *Tool) removeMCPServer(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return tools.Errorf("name is required for remove_mcp_server"), nil
	}
	servers, err := t.readMCP()
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if _, ok := servers[name]; !ok {
		return tools.Errorf("no MCP server named %s", name), nil
	}
	delete(servers, name)
	if err := t.writeMCP(servers); err != nil {
		return tools.Errorf("write .mcp.json: %v", err), nil
	}
	return fmt.Sprintf("MCP server %s removed.", name), nil
}

func (t *Tool) listMCPServers() (string, error) {
	servers, err := t.readMCP()
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if len(servers) == 0 {
		return "No MCP servers.", nil
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		srv := servers[name]
		fmt.Fprintf(&b, "%s: %s %s\n", name, srv.Command, strings.Join(srv.Args, " "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

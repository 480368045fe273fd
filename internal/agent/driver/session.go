package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/process"
)

// acpClient answers the agent's client-side requests: session updates flow
// to the owning session, permissions are auto-approved, file requests run
// against the execution's working directory.
type acpClient struct {
	logger  *logger.Logger
	workdir string
	updates func(acp.SessionNotification)
}

var _ acp.Client = (*acpClient)(nil)

// RequestPermission auto-approves by picking the first allow option. The
// control plane gates integration at sync time, not per tool call.
func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Cancelled: &acp.RequestPermissionOutcomeCancelled{},
			},
		}, nil
	}
	selected := &p.Options[0]
	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}
	c.logger.Debug("auto-approving permission request",
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("option_id", string(selected.OptionId)))
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if c.updates != nil {
		c.updates(n)
	}
	return nil
}

func (c *acpClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *acpClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *acpClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *acpClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *acpClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *acpClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	code := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &code}, nil
}

// convertNotification maps an ACP session update onto the wire record
// watchers and the session log use. Unknown discriminators come back as an
// opaque record so new agent features pass through untouched.
func convertNotification(n acp.SessionNotification) v1.SessionRecord {
	u := n.Update
	now := time.Now().UTC()

	switch {
	case u.AgentMessageChunk != nil:
		text := ""
		if u.AgentMessageChunk.Content.Text != nil {
			text = u.AgentMessageChunk.Content.Text.Text
		}
		return v1.SessionRecord{Type: v1.SessionRecordMessageChunk, Timestamp: now, Text: text}

	case u.AgentThoughtChunk != nil:
		text := ""
		if u.AgentThoughtChunk.Content.Text != nil {
			text = u.AgentThoughtChunk.Content.Text.Text
		}
		return v1.SessionRecord{Type: v1.SessionRecordThoughtChunk, Timestamp: now, Text: text}

	case u.ToolCall != nil:
		tc := u.ToolCall
		info := &v1.ToolCallInfo{
			ID:     string(tc.ToolCallId),
			Title:  tc.Title,
			Kind:   string(tc.Kind),
			Status: v1.ToolCallStatus(tc.Status),
		}
		if info.Status == "" {
			info.Status = v1.ToolCallInProgress
		}
		for _, loc := range tc.Locations {
			info.Locations = append(info.Locations, loc.Path)
		}
		if tc.RawInput != nil {
			info.Input = toMap(tc.RawInput)
		}
		return v1.SessionRecord{Type: v1.SessionRecordToolCall, Timestamp: now, ToolCall: info}

	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		info := &v1.ToolCallInfo{ID: string(tu.ToolCallId)}
		if tu.Status != nil {
			info.Status = v1.ToolCallStatus(*tu.Status)
		}
		if tu.RawOutput != nil {
			info.Output = toMap(tu.RawOutput)
		}
		return v1.SessionRecord{Type: v1.SessionRecordToolCallUpdate, Timestamp: now, ToolCall: info}

	case u.Plan != nil:
		entries := make([]v1.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = v1.PlanEntry{
				Content:  e.Content,
				Priority: string(e.Priority),
				Status:   string(e.Status),
			}
		}
		return v1.SessionRecord{Type: v1.SessionRecordPlan, Timestamp: now, Plan: entries}

	case u.AvailableCommandsUpdate != nil:
		commands := make([]v1.CommandInfo, len(u.AvailableCommandsUpdate.AvailableCommands))
		for i, cmd := range u.AvailableCommandsUpdate.AvailableCommands {
			commands[i] = v1.CommandInfo{Name: cmd.Name, Description: cmd.Description}
		}
		return v1.SessionRecord{Type: v1.SessionRecordCommands, Timestamp: now, Commands: commands}
	}

	return v1.SessionRecord{Type: "unknown", Timestamp: now, Raw: toMap(u)}
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"value": string(data)}
	}
	return m
}

// ioPair selects the byte streams the ACP connection rides on.
func ioPair(p *process.Process) (io.Writer, io.Reader) {
	if pty := p.PTY(); pty != nil {
		return pty, pty
	}
	return p.Stdin(), p.Stdout()
}

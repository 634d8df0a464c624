package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/orchbot/orchbot/internal/stream"
)

// Default limits for headless CLI calls.
const (
	DefaultCLITimeout     = 180 * time.Second
	DefaultMaxCapture     = 500_000
	DefaultMaxStreamState = 200_000

	streamFlushInterval = 1500 * time.Millisecond
	streamFlushMinChars = 120
)

// CLIProvider drives a headless chat CLI (chatgpt, claude). The prompt is
// written to stdin; output is parsed through the framing protocol in
// internal/stream, so log spam and banners around the marked blocks are
// tolerated.
type CLIProvider struct {
	name           string
	command        string
	args           []string
	timeout        time.Duration
	maxCapture     int
	maxStreamState int
	logger         *slog.Logger
}

// CLIFromEnv builds a CLI provider from <prefix>_COMMAND, <prefix>_ARGS,
// and <prefix>_TIMEOUT_MS. Returns nil when no command is configured.
func CLIFromEnv(name, prefix string) *CLIProvider {
	command := strings.TrimSpace(os.Getenv(prefix + "_COMMAND"))
	if command == "" {
		return nil
	}
	p := &CLIProvider{
		name:           name,
		command:        command,
		args:           strings.Fields(os.Getenv(prefix + "_ARGS")),
		timeout:        DefaultCLITimeout,
		maxCapture:     envInt("CLI_PROVIDER_MAX_CAPTURE_CHARS", DefaultMaxCapture),
		maxStreamState: envInt("CLI_PROVIDER_MAX_STREAM_STATE_CHARS", DefaultMaxStreamState),
		logger:         slog.Default().With("component", "provider", "provider", name),
	}
	if ms := envInt(prefix+"_TIMEOUT_MS", 0); ms > 0 {
		p.timeout = time.Duration(ms) * time.Millisecond
	}
	return p
}

// NewCLIProvider builds a CLI provider with explicit settings. Used by
// tests and non-env bootstrap.
func NewCLIProvider(name, command string, args []string, timeout time.Duration) *CLIProvider {
	if timeout <= 0 {
		timeout = DefaultCLITimeout
	}
	return &CLIProvider{
		name:           name,
		command:        command,
		args:           args,
		timeout:        timeout,
		maxCapture:     DefaultMaxCapture,
		maxStreamState: DefaultMaxStreamState,
		logger:         slog.Default().With("component", "provider", "provider", name),
	}
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (p *CLIProvider) Name() string { return p.name }

// Complete runs one headless CLI invocation.
func (p *CLIProvider) Complete(ctx context.Context, req *Request, streamFn StreamFunc) (*Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.command, p.args...)
	cmd.Stdin = strings.NewReader(p.buildPrompt(req))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error calling %s: %w", p.name, err)
	}
	cmd.Stderr = cmd.Stdout // CLIs interleave; the framing protocol sorts it out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error calling %s: %w", p.name, err)
	}

	buf := stream.NewBuffer(stream.WithMaxHistoryChars(p.maxStreamState))
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), p.maxCapture)
	var full strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if full.Len() < p.maxCapture {
			full.WriteString(line)
			full.WriteByte('\n')
		}
		buf.Append(line + "\n")
		if streamFn != nil && buf.ShouldFlush(streamFlushInterval, streamFlushMinChars) {
			if chunk := buf.Flush(); chunk != "" {
				streamFn(chunk)
			}
		}
	}
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("error calling %s: cli_timeout_%dms", p.name, p.timeout.Milliseconds())
	}
	raw := full.String()
	if line := stream.ExtractError(raw); line != "" {
		return nil, fmt.Errorf("error calling %s: %s", p.name, line)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("error calling %s: %w", p.name, waitErr)
	}

	resp := &Response{Content: stream.ExtractOutput(raw)}
	if calls, ok := stream.ExtractToolCalls(raw); ok {
		resp.ToolCalls = calls
	}
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("error calling %s: empty output", p.name)
	}
	if streamFn != nil {
		if chunk := buf.Flush(); chunk != "" {
			streamFn(chunk)
		}
	}
	return resp, nil
}

// buildPrompt flattens the request into a single headless prompt carrying
// the framing contract the CLI must honor.
func (p *CLIProvider) buildPrompt(req *Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	if len(req.Tools) > 0 {
		b.WriteString("Available tools (JSON schemas):\n")
		for _, tool := range req.Tools {
			raw, err := json.Marshal(map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  json.RawMessage(tool.Schema),
			})
			if err != nil {
				continue
			}
			b.Write(raw)
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "\nTo call tools, emit %s[{\"id\":\"...\",\"name\":\"...\",\"arguments\":{...}}]%s\n",
			stream.ToolCallsStart, stream.ToolCallsEnd)
	}
	fmt.Fprintf(&b, "Wrap your final answer between %s and %s.\n\n", stream.FinalStart, stream.FinalEnd)
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			fmt.Fprintf(&b, "[TOOL_RESULT %s]\n%s\n\n", msg.ToolCallID, msg.Content)
		default:
			fmt.Fprintf(&b, "[%s]\n%s\n\n", strings.ToUpper(msg.Role), msg.Content)
		}
	}
	return b.String()
}

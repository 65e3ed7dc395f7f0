// ABOUTME: Engine implementation that drives an agent CLI as a subprocess.
// ABOUTME: Feeds the prompt on stdin and parses JSON-lines events from stdout.

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// SubprocessConfig configures the subprocess engine.
type SubprocessConfig struct {
	// Command is the agent CLI binary.
	Command string

	// Args are passed before the generated flags.
	Args []string
}

// Subprocess runs an agent CLI per turn. The CLI contract: the prompt
// arrives on stdin, streaming events leave on stdout as JSON lines, and
// the final line carries the result and session id.
type Subprocess struct {
	cfg    SubprocessConfig
	logger *slog.Logger
}

// NewSubprocess creates a subprocess engine. Pass nil logger for default.
func NewSubprocess(cfg SubprocessConfig, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
}

// cliLine is one JSON line from the agent CLI.
type cliLine struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Tokens    int             `json:"tokens,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Result    string          `json:"result,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Run implements Engine.
func (s *Subprocess) Run(ctx context.Context, req RunRequest, emit func(Message)) (Result, error) {
	args := append([]string(nil), s.cfg.Args...)
	if req.UpstreamSessionID != "" {
		args = append(args, "--resume", req.UpstreamSessionID)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting agent process: %w", err)
	}

	result, parseErr := s.consume(stdout, emit)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if parseErr != nil {
		return Result{}, parseErr
	}
	if waitErr != nil {
		return Result{}, fmt.Errorf("agent process failed: %w", waitErr)
	}
	return result, nil
}

// consume parses JSON lines until the result line or EOF.
func (s *Subprocess) consume(stdout io.Reader, emit func(Message)) (Result, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var result Result
	sawResult := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var l cliLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			s.logger.Debug("skipping unparseable agent output line")
			continue
		}

		switch l.Type {
		case "progress", "text":
			emit(Message{Kind: MessageProgress, Text: l.Text})
		case "memory":
			emit(Message{Kind: MessageMemory, Payload: l.Payload})
		case "usage":
			emit(Message{Kind: MessageUsage, Tokens: l.Tokens, Limit: l.Limit})
		case "result":
			result = Result{Text: l.Result, SessionID: l.SessionID}
			sawResult = true
		case "error":
			return Result{}, fmt.Errorf("agent reported error: %s", l.Error)
		default:
			s.logger.Debug("skipping unknown agent line type", "type", l.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("reading agent output: %w", err)
	}
	if !sawResult {
		return Result{}, fmt.Errorf("agent exited without a result line")
	}
	return result, nil
}

// Compact implements Engine. It invokes the CLI in compact mode and reads
// the replacement session id from the result line.
func (s *Subprocess) Compact(ctx context.Context, upstreamID string) (string, error) {
	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--compact")
	if upstreamID != "" {
		args = append(args, "--resume", upstreamID)
	}

	out, err := exec.CommandContext(ctx, s.cfg.Command, args...).Output()
	if err != nil {
		return "", fmt.Errorf("compacting session: %w", err)
	}

	// The last non-empty line carries the result.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var l cliLine
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &l); err != nil {
		return "", fmt.Errorf("parsing compact output: %w", err)
	}
	if l.SessionID == "" {
		return "", fmt.Errorf("compact output missing session_id")
	}
	return l.SessionID, nil
}

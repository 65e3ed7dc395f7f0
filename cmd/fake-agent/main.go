// ABOUTME: Minimal fake agent CLI for end-to-end testing of the local engine path.
// ABOUTME: Usage: fake-agent [-delay 100ms] [--resume SESSION] [--compact]

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// line mirrors the JSON-lines contract the relay's subprocess engine reads.
type line struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func main() {
	delay := flag.Duration("delay", 100*time.Millisecond, "pause between progress lines")
	resume := flag.String("resume", "", "session id to resume")
	compact := flag.Bool("compact", false, "compact the session instead of running a turn")
	flag.Parse()

	if err := run(*delay, *resume, *compact); err != nil {
		log.Fatal(err)
	}
}

func run(delay time.Duration, resume string, compact bool) error {
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	emit := func(l line) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", data); err != nil {
			return err
		}
		return out.Flush()
	}

	if compact {
		// Compaction replaces the session id; a fresh one stands in for a
		// condensed history.
		return emit(line{Type: "result", SessionID: "compacted-" + uuid.NewString()[:8]})
	}

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading prompt: %w", err)
	}

	sessionID := resume
	if sessionID == "" {
		sessionID = "fake-" + uuid.NewString()[:8]
	}

	steps := []string{"reading the prompt", "thinking very hard", "writing the answer"}
	for i, s := range steps {
		if err := emit(line{Type: "progress", Text: s}); err != nil {
			return err
		}
		if err := emit(line{Type: "usage", Tokens: (i + 1) * 100, Limit: 8000}); err != nil {
			return err
		}
		time.Sleep(delay)
	}

	result := fmt.Sprintf("echo: %s", strings.TrimSpace(string(prompt)))
	return emit(line{Type: "result", Result: result, SessionID: sessionID})
}

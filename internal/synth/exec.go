package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth shells out to a local TTS command. The command receives a JSON
// request on stdin and writes raw MP3 bytes to stdout.
type execSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Ready() error {
	if len(e.cmd) == 0 {
		return errors.New("synth command not configured")
	}
	return nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{Text: req.Text, Voice: req.VoiceID})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("synth command failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("synth command failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("synth command produced no audio")
	}
	return stdout.Bytes(), nil
}

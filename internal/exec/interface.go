// Package exec provides an interface for running external commands.
package exec

import (
	"context"
)

// Cmd describes one external command.
type Cmd struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Name is the program to run.
	Name string
	Args []string
	// Env is appended to the parent environment as KEY=VALUE pairs.
	Env []string
}

// Output holds the captured streams of a finished command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// CommandRunner runs external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and waits for it to exit. The process is killed
	// when ctx is cancelled.
	Run(ctx context.Context, cmd Cmd) (Output, error)
}

// Shell returns a Cmd that runs script through "sh -c".
func Shell(dir, script string, env ...string) Cmd {
	return Cmd{Dir: dir, Name: "sh", Args: []string{"-c", script}, Env: env}
}

// Package opprovider resolves credentials template references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Hamidon94/ultra.dogwalking-sub001/credentials"
)

// DefaultBinary is the CLI looked up on PATH.
const DefaultBinary = "op"

// WithOnePassword registers an "op" template function that runs
// `<binary> read <ref>`. An empty binary uses DefaultBinary.
func WithOnePassword(binary string) credentials.Option {
	if binary == "" {
		binary = DefaultBinary
	}
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		return read(ctx, binary, ref)
	})
}

func read(ctx context.Context, binary, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, "read", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

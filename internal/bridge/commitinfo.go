package bridge

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// commitSummary returns a one-line description of the working directory's
// current commit for the "now ACTIVE" notice. Tries jj first, then git;
// best-effort, empty on error.
func commitSummary(ctx context.Context, workDir string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if out := runQuiet(ctx, workDir, "jj", "log", "-r", "@", "--no-graph", "-T", "description.first_line()"); out != "" {
		return out
	}
	return runQuiet(ctx, workDir, "git", "log", "-1", "--oneline")
}

func runQuiet(ctx context.Context, dir, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

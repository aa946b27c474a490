package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/davidthor/instctl/pkg/auth"
	"github.com/davidthor/instctl/pkg/remote"
)

// isInteractive returns true if the CLI is running in an interactive terminal
// and not in a CI environment.
func isInteractive() bool {
	// Check if stdin is a terminal
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}

	// Check for common CI environment variables
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"JENKINS_URL",
		"BUILDKITE",
		"TEAMCITY_VERSION",
		"TF_BUILD", // Azure DevOps
		"BITBUCKET_BUILD_NUMBER",
		"CODEBUILD_BUILD_ID", // AWS CodeBuild
	}

	for _, env := range ciEnvVars {
		if os.Getenv(env) != "" {
			return false
		}
	}

	return true
}

// promptPassword reads a secret from the terminal without echo.
func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // Add newline after hidden input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytePassword)), nil
}

// confirmYes reads one line from in and reports whether it starts with y.
func confirmYes(in io.Reader) bool {
	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(input))
	return answer == "y" || answer == "yes"
}

// fallbackConfirmer asks the operator before downgrading to a weaker
// protocol. autoApprove answers yes without asking; a non-interactive
// session without autoApprove always declines.
func fallbackConfirmer(autoApprove bool, in io.Reader, out io.Writer, interactive bool) auth.Confirmer {
	return auth.ConfirmFunc(func(_ context.Context, host string, from, to remote.Protocol) (bool, error) {
		if autoApprove {
			return true, nil
		}
		if !interactive {
			return false, nil
		}
		fmt.Fprintf(out, "\n%s could not be reached using %s.\n", host, from)
		fmt.Fprintf(out, "Retry every such host using %s? The credential is not delegated, so media on network shares may be unreadable. [y/N]: ", to)
		return confirmYes(in), nil
	})
}

package cli

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
)

// TargetStatus is the display status of one target.
type TargetStatus string

const (
	StatusPending   TargetStatus = "pending"
	StatusSucceeded TargetStatus = "succeeded"
	StatusFailed    TargetStatus = "failed"
	StatusBlocked   TargetStatus = "blocked"
	StatusAbandoned TargetStatus = "abandoned"
)

// TargetInfo holds what the progress table knows about a target.
type TargetInfo struct {
	Name     string
	Status   TargetStatus
	Result   *types.InstallResult
	Duration time.Duration
}

// ProgressTable displays install progress.
// It shows an initial plan table, prints one line per finished target and
// ends with a summary.
type ProgressTable struct {
	mu        sync.Mutex
	targets   map[string]*TargetInfo
	order     []string // Maintains insertion order for display
	writer    io.Writer
	startTime time.Time
	quiet     bool
}

// NewProgressTable creates a new progress table.
func NewProgressTable(w io.Writer) *ProgressTable {
	return &ProgressTable{
		targets:   make(map[string]*TargetInfo),
		order:     []string{},
		writer:    w,
		startTime: time.Now(),
	}
}

// AddTarget adds a target to track.
func (p *ProgressTable) AddTarget(t target.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := targetID(t.Name, t.Instance())
	if _, exists := p.targets[id]; !exists {
		p.order = append(p.order, id)
	}
	p.targets[id] = &TargetInfo{Name: t.String(), Status: StatusPending}
}

// targetID matches a requested target with its result, whose computer name
// may have been resolved to a fully qualified name.
func targetID(host, instance string) string {
	if net.ParseIP(host) == nil {
		host, _, _ = strings.Cut(host, ".")
	}
	if instance == "" {
		instance = target.DefaultInstance
	}
	return strings.ToLower(host + `\` + instance)
}

// Silence stops all further output. Results are still tracked.
func (p *ProgressTable) Silence() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quiet = true
}

// Complete records a finished target and prints its line.
func (p *ProgressTable) Complete(res *types.InstallResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := targetID(res.ComputerName, res.InstanceName)
	info, ok := p.targets[id]
	if !ok {
		info = &TargetInfo{Name: res.Target()}
		p.targets[id] = info
		p.order = append(p.order, id)
	}
	info.Status = TargetStatus(res.Status)
	info.Result = res
	info.Duration = res.Duration()

	if p.quiet {
		return
	}
	fmt.Fprintln(p.writer, p.line(info))
}

func (p *ProgressTable) line(info *TargetInfo) string {
	res := info.Result
	s := fmt.Sprintf("%s %s %s", p.statusIcon(info.Status), res.Target(), info.Status)
	if info.Duration > 0 {
		s += fmt.Sprintf(" (%s)", info.Duration.Round(time.Second))
	}
	if res.ExitCode != nil {
		s += fmt.Sprintf(" exit %d", *res.ExitCode)
	}
	if res.Restarted {
		s += ", restarted"
	}
	if res.Error != "" {
		s += fmt.Sprintf(": %s", res.Error)
	}
	return s
}

// PrintInitial prints the install plan.
func (p *ProgressTable) PrintInitial(version string, features []string, throttle int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, "Install Plan:")
	fmt.Fprintln(p.writer, strings.Repeat("─", 60))
	fmt.Fprintf(p.writer, "  SQL Server %s", version)
	if len(features) > 0 {
		fmt.Fprintf(p.writer, " (%s)", strings.Join(features, ", "))
	}
	fmt.Fprintln(p.writer)
	for _, id := range p.order {
		fmt.Fprintf(p.writer, "  + %s\n", p.targets[id].Name)
	}
	fmt.Fprintln(p.writer, strings.Repeat("─", 60))
	fmt.Fprintf(p.writer, "Total: %d target(s), at most %d at a time\n", len(p.order), throttle)
	fmt.Fprintln(p.writer)
}

func (p *ProgressTable) statusIcon(status TargetStatus) string {
	switch status {
	case StatusPending:
		return "○"
	case StatusSucceeded:
		return "●"
	case StatusFailed:
		return "✗"
	case StatusBlocked:
		return "◔"
	case StatusAbandoned:
		return "◌"
	default:
		return "?"
	}
}

// PrintFinalSummary prints the final install summary.
func (p *ProgressTable) PrintFinalSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[TargetStatus]int)
	for _, info := range p.targets {
		counts[info.Status]++
	}
	elapsed := time.Since(p.startTime).Round(time.Millisecond)

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, strings.Repeat("─", 80))

	notOK := counts[StatusFailed] + counts[StatusBlocked] + counts[StatusAbandoned] + counts[StatusPending]
	if notOK == 0 {
		fmt.Fprintf(p.writer, "Install completed successfully in %s\n", elapsed)
		fmt.Fprintf(p.writer, "  ● %d target(s) installed\n", counts[StatusSucceeded])
	} else {
		fmt.Fprintf(p.writer, "Install completed with errors in %s\n", elapsed)
		fmt.Fprintf(p.writer, "  ● %d succeeded, ✗ %d failed, ◔ %d blocked, ◌ %d abandoned\n",
			counts[StatusSucceeded], counts[StatusFailed], counts[StatusBlocked], counts[StatusAbandoned])
	}

	// Notes and failures, per target, in plan order.
	for _, id := range p.order {
		info := p.targets[id]
		res := info.Result
		if res == nil {
			fmt.Fprintf(p.writer, "\n  ○ %s: no result\n", info.Name)
			continue
		}
		if len(res.Notes) == 0 && res.Error == "" && res.SACredential == nil {
			continue
		}
		fmt.Fprintf(p.writer, "\n  %s %s\n", p.statusIcon(info.Status), res.Target())
		if res.Error != "" {
			fmt.Fprintf(p.writer, "    %s: %s\n", res.ErrorCode, res.Error)
		}
		for _, note := range res.Notes {
			if note == res.Error {
				continue
			}
			fmt.Fprintf(p.writer, "    - %s\n", note)
		}
		if res.SACredential != nil && res.SACredential.Password != "" {
			fmt.Fprintf(p.writer, "    generated %s password: %s\n", res.SACredential.Username, res.SACredential.Password)
		}
		if res.Log != "" && info.Status == StatusFailed {
			fmt.Fprintln(p.writer, "\n    Setup summary:")
			lines := strings.Split(strings.TrimSpace(res.Log), "\n")
			// Limit to last 30 lines to avoid overwhelming output
			startIdx := 0
			if len(lines) > 30 {
				startIdx = len(lines) - 30
				fmt.Fprintf(p.writer, "      ... (%d lines truncated)\n", startIdx)
			}
			for _, line := range lines[startIdx:] {
				fmt.Fprintf(p.writer, "      %s\n", strings.TrimRight(line, "\r"))
			}
		}
	}
}

// Count returns the number of targets with the given status.
func (p *ProgressTable) Count(status TargetStatus) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, info := range p.targets {
		if info.Status == status {
			count++
		}
	}
	return count
}

// HasPending returns true if some target has no result yet.
func (p *ProgressTable) HasPending() bool {
	return p.Count(StatusPending) > 0
}

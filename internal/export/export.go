// Package export renders a human-readable snapshot of the coordination
// state to a markdown file, for agents that preload a context document
// instead of querying the API.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/queue"
	"github.com/subtlefox/coordd/internal/registry"
	"github.com/subtlefox/coordd/internal/schema"
)

type Writer struct {
	Path     string
	Registry *registry.Registry
	Locks    *locks.Manager
	Queue    *queue.Queue
}

// WriteSnapshot renders the current agents, open tasks, and held locks to
// w.Path. Best-effort: callers treat failures as advisory.
func (w *Writer) WriteSnapshot(ctx context.Context) error {
	if w == nil || w.Path == "" {
		return nil
	}

	agents, err := w.Registry.List(ctx, registry.ListFilter{})
	if err != nil {
		return err
	}
	tasks, err := w.Queue.List(ctx, queue.ListFilter{})
	if err != nil {
		return err
	}
	held, err := w.Locks.List(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Coordination context\n\nGenerated %s\n\n", time.Now().UTC().Format(time.RFC3339))

	b.WriteString("## Agents\n\n")
	if len(agents) == 0 {
		b.WriteString("_none registered_\n")
	}
	for _, a := range agents {
		fmt.Fprintf(&b, "- **%s** (%s, %s)", a.Name, a.Role, a.Status)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(a.Capabilities, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Tasks\n\n")
	open := 0
	for _, t := range tasks {
		if queue.IsTerminalStatus(t.Status) {
			continue
		}
		open++
		fmt.Fprintf(&b, "- [%s] %s (%s)", t.Priority, t.Title, t.Status)
		if t.AssignedTo != "" {
			fmt.Fprintf(&b, ", assigned to %s", t.AssignedTo)
		}
		b.WriteString("\n")
	}
	if open == 0 {
		b.WriteString("_no open tasks_\n")
	}

	b.WriteString("\n## Locks\n\n")
	if len(held) == 0 {
		b.WriteString("_none held_\n")
	}
	for _, l := range held {
		fmt.Fprintf(&b, "- %s held by %s", l.Resource, l.HeldBy)
		if reason := schema.GetMetaString(l.Metadata, schema.MetaReason); reason != "" {
			fmt.Fprintf(&b, " (%s)", reason)
		}
		b.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	if err := os.WriteFile(w.Path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write context snapshot: %w", err)
	}
	return nil
}

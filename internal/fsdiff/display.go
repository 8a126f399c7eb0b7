package fsdiff

import (
	"fmt"
	"io"
	"strings"
)

const maxDisplayChanges = 20

// PrintSummary prints a human-readable change summary to the writer.
func PrintSummary(w io.Writer, d *Diff) {
	if d.Empty() {
		_, _ = fmt.Fprintln(w, "No changes detected.")
		return
	}

	_, _ = fmt.Fprintf(w, "Changes under %s\n", d.Root)
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 40))
	printChanges(w, d.Changes)
	if d.Truncated {
		_, _ = fmt.Fprintf(w, "  (truncated: %s)\n", d.Summary)
	}
}

// printChanges prints individual changes, summarizing if >maxDisplayChanges
func printChanges(w io.Writer, changes []Change) {
	if len(changes) > maxDisplayChanges {
		created, modified, deleted := categorize(changes)
		shown := 0
		for _, group := range [][]Change{created, modified, deleted} {
			for _, c := range group {
				if shown >= 5 {
					break
				}
				printChange(w, c)
				shown++
			}
		}
		_, _ = fmt.Fprintf(w, "  (%d changes total: %d created, %d modified, %d deleted)\n",
			len(changes), len(created), len(modified), len(deleted))
		return
	}
	for _, c := range changes {
		printChange(w, c)
	}
}

func printChange(w io.Writer, c Change) {
	switch c.Kind {
	case Created:
		_, _ = fmt.Fprintf(w, "  + %-50s (%s)\n", c.Path, FormatSize(c.Size))
	case Modified:
		_, _ = fmt.Fprintf(w, "  ~ %-50s (%s)\n", c.Path, FormatSize(c.Size))
	case Deleted:
		_, _ = fmt.Fprintf(w, "  - %s\n", c.Path)
	}
}

func categorize(changes []Change) (created, modified, deleted []Change) {
	for _, c := range changes {
		switch c.Kind {
		case Created:
			created = append(created, c)
		case Modified:
			modified = append(modified, c)
		case Deleted:
			deleted = append(deleted, c)
		}
	}
	return
}

// FormatSize returns a human-readable byte count.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

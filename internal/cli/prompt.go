package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dupescan/dupescan/internal/core"
	"github.com/dupescan/dupescan/internal/model"
)

// PromptResolver asks the user which member of a group to keep.
// Only groups with differing names reach it.
type PromptResolver struct {
	in      *bufio.Reader
	out     io.Writer
	folders func() map[string]string
	names   map[string]string
}

// NewPromptResolver reads answers from in and writes prompts to out.
// folders is called once, on the first prompt, to label parent folders.
func NewPromptResolver(in *bufio.Reader, out io.Writer, folders func() map[string]string) *PromptResolver {
	return &PromptResolver{in: in, out: out, folders: folders}
}

func (p *PromptResolver) folderName(id string) string {
	if p.names == nil {
		p.names = map[string]string{}
		if p.folders != nil {
			p.names = p.folders()
		}
	}
	if name, ok := p.names[id]; ok && name != "" {
		return name
	}
	return id
}

// ResolveKeeper lists the members and reads a 1-based choice, or "s" to skip.
func (p *PromptResolver) ResolveKeeper(ctx context.Context, g model.DuplicateGroup) (string, error) {
	fmt.Fprintf(p.out, "\nDuplicate files with different names (%s each):\n", core.FormatSize(g.Members[0].Size))
	for i, m := range g.Members {
		parents := make([]string, 0, len(m.Parents))
		for _, id := range m.Parents {
			parents = append(parents, p.folderName(id))
		}
		where := "(no parent)"
		if len(parents) > 0 {
			where = strings.Join(parents, ", ")
		}
		fmt.Fprintf(p.out, "  %d. %s\n     in %s, modified %s\n", i+1, m.Name, where, m.ModifiedAt.Format("2006-01-02 15:04"))
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprintf(p.out, "Keep which file? [1-%d, s to skip]: ", len(g.Members))
		line, err := p.in.ReadString('\n')
		answer := strings.TrimSpace(strings.ToLower(line))
		if err != nil && answer == "" {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("no answer for group %s: %w", g.Hash, io.ErrUnexpectedEOF)
			}
			return "", err
		}

		if answer == "s" || answer == "skip" {
			return "", core.ErrSkipGroup
		}
		n, convErr := strconv.Atoi(answer)
		if convErr == nil && n >= 1 && n <= len(g.Members) {
			return g.Members[n-1].ID, nil
		}
		fmt.Fprintf(p.out, "Please enter a number between 1 and %d, or s.\n", len(g.Members))
		if err != nil {
			return "", fmt.Errorf("no answer for group %s: %w", g.Hash, io.ErrUnexpectedEOF)
		}
	}
}

// Package share reads and writes sharing-group descriptor files. A group is
// described by a "<name>.share" file in the cloud root: UTF-8, line
// oriented, "#" comments, first significant line the group GUID, remaining
// lines the member entries.
package share

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Extension is the suffix of group descriptor files.
const Extension = ".share"

// ErrMissingGUID is returned when a descriptor has no group GUID line.
var ErrMissingGUID = errors.New("share: descriptor has no group GUID")

// Group is a parsed sharing-group descriptor.
type Group struct {
	Name    string
	ID      uuid.UUID
	Members []string
}

// NewGroup creates a group with a fresh random GUID.
func NewGroup(name string, members ...string) *Group {
	return &Group{Name: name, ID: uuid.New(), Members: members}
}

// ParseFile reads a descriptor from disk. The group name is the file name
// without the extension.
func ParseFile(path string) (*Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("share: opening %s: %w", path, err)
	}
	defer f.Close()

	base := strings.TrimSuffix(filepath.Base(path), Extension)

	g, err := parse(base, bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("share: parsing %s: %w", path, err)
	}

	return g, nil
}

// parse consumes significant lines: first the GUID, then members.
func parse(name string, sc *bufio.Scanner) (*Group, error) {
	g := &Group{Name: name}
	haveID := false

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !haveID {
			id, err := uuid.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("invalid group GUID %q: %w", line, err)
			}

			g.ID = id
			haveID = true

			continue
		}

		g.Members = append(g.Members, line)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	if !haveID {
		return nil, ErrMissingGUID
	}

	return g, nil
}

// WriteFile persists the descriptor to path, overwriting any previous
// content.
func (g *Group) WriteFile(path string) error {
	var b strings.Builder

	b.WriteString("# cloudpair sharing group: " + g.Name + "\n")
	b.WriteString(g.ID.String() + "\n")

	for _, m := range g.Members {
		b.WriteString(m + "\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("share: writing %s: %w", path, err)
	}

	return nil
}

// Package scm reports the source revision a run builds: branch, commit
// and the files that changed.
package scm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoRepository is returned when Git.Dir is not inside a repository.
var ErrNoRepository = errors.New("not a git repository")

// Revision describes what a run builds.
type Revision struct {
	Branch  string   // "" on a detached HEAD
	Commit  string   // full SHA
	Changed []string // repository-relative paths, sorted
}

// Provider resolves the current revision.
type Provider interface {
	Revision(ctx context.Context) (Revision, error)
}

// Static is a Provider that always returns itself.
type Static Revision

// Revision returns s.
func (s Static) Revision(context.Context) (Revision, error) { return Revision(s), nil }

// Git reads the revision from a repository with go-git. Changed files are
// those that differ between HEAD and Base, or HEAD's first parent when
// Base is empty. A root commit reports every file it contains.
type Git struct {
	Dir  string
	Base string // any revision go-git can resolve, e.g. "origin/main"
}

// Revision opens the repository containing g.Dir and diffs HEAD.
func (g Git) Revision(ctx context.Context) (Revision, error) {
	repo, err := git.PlainOpenWithOptions(g.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Revision{}, fmt.Errorf("%w: %s", ErrNoRepository, g.Dir)
		}
		return Revision{}, fmt.Errorf("scm: open %s: %w", g.Dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("scm: resolve HEAD: %w", err)
	}
	rev := Revision{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		rev.Branch = head.Name().Short()
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Revision{}, fmt.Errorf("scm: load commit %s: %w", rev.Commit, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return Revision{}, fmt.Errorf("scm: load tree: %w", err)
	}

	base, err := g.baseTree(repo, commit)
	if err != nil {
		return Revision{}, err
	}
	if base == nil {
		rev.Changed, err = treeFiles(tree)
	} else {
		rev.Changed, err = changedFiles(ctx, base, tree)
	}
	if err != nil {
		return Revision{}, err
	}
	return rev, nil
}

// baseTree returns the tree to diff against, or nil for a root commit.
func (g Git) baseTree(repo *git.Repository, commit *object.Commit) (*object.Tree, error) {
	if g.Base != "" {
		h, err := repo.ResolveRevision(plumbing.Revision(g.Base))
		if err != nil {
			return nil, fmt.Errorf("scm: resolve base %q: %w", g.Base, err)
		}
		bc, err := repo.CommitObject(*h)
		if err != nil {
			return nil, fmt.Errorf("scm: load base commit: %w", err)
		}
		return bc.Tree()
	}
	if commit.NumParents() == 0 {
		return nil, nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("scm: load parent: %w", err)
	}
	return parent.Tree()
}

func changedFiles(ctx context.Context, from, to *object.Tree) ([]string, error) {
	changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("scm: diff: %w", err)
	}
	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func treeFiles(tree *object.Tree) ([]string, error) {
	var out []string
	err := tree.Files().ForEach(func(f *object.File) error {
		out = append(out, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scm: list files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

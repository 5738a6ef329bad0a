package indexing

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// Code file extensions the local indexer counts.
var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".rb": {}, ".js": {}, ".ts": {}, ".java": {},
	".kt": {}, ".cs": {}, ".php": {}, ".c": {}, ".cc": {}, ".cpp": {},
	".rs": {}, ".scala": {}, ".sql": {},
}

// LocalIndexer is the built-in indexing collaborator: it walks checked
// out repositories under a root directory, one subdirectory per
// service. A git-clone based implementation can replace it without
// touching the scheduler.
type LocalIndexer struct {
	root string
}

// NewLocalIndexer creates an indexer rooted at dir.
func NewLocalIndexer(dir string) *LocalIndexer {
	return &LocalIndexer{root: dir}
}

// Index walks the service's repository and derives a content revision
// from file paths, sizes and modification times. Incremental runs only
// count files changed since the recorded revision's walk; with no way
// to diff revisions cheaply, the walk itself is always complete and the
// revision tells the scheduler whether anything changed.
func (l *LocalIndexer) Index(ctx context.Context, req IndexRequest) (IndexResult, error) {
	dir := filepath.Join(l.root, req.ServiceID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return IndexResult{}, fmt.Errorf("no repository for service %q under %s", req.ServiceID, l.root)
	}

	h := fnv.New64a()
	files := 0
	blocks := 0

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := codeExtensions[filepath.Ext(path)]; !ok {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s|%d|%d\n", path, fi.Size(), fi.ModTime().UnixNano())
		files++
		// Rough block estimate from size; exact parsing belongs to a
		// richer collaborator.
		blocks += int(fi.Size()/1024) + 1
		return nil
	})
	if err != nil {
		return IndexResult{}, fmt.Errorf("walking %s: %w", dir, err)
	}

	commit := fmt.Sprintf("%016x", h.Sum64())
	if req.Mode == models.ModeIncremental && req.SinceCommit == commit {
		// Nothing changed since the last run.
		return IndexResult{Commit: commit}, nil
	}

	return IndexResult{
		Commit:        commit,
		FilesIndexed:  files,
		BlocksIndexed: blocks,
	}, nil
}

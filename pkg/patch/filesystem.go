package patch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/asynkron/gitapply/internal/gitindex"
	"github.com/asynkron/gitapply/pkg/filter"
	"github.com/asynkron/gitapply/pkg/objstore"
	"github.com/asynkron/gitapply/pkg/snapshot"
)

// NewMaterialized returns an Applier that patches the working tree and index
// of a repository. Each Apply holds the index lock for its full duration.
func NewMaterialized(opts FilesystemOptions) (*Applier, error) {
	opts.setDefaults()
	ws, err := newFilesystemWorkspace(opts)
	if err != nil {
		return nil, err
	}
	return &Applier{
		ws:     ws,
		store:  ws.store,
		opts:   opts.Options,
		logger: opts.Logger,
	}, nil
}

type filesystemWorkspace struct {
	options    FilesystemOptions
	workingDir string
	gitDir     string
	store      *objstore.Store
	lock       *gitindex.Lock
	pipeline   *filter.Pipeline
}

func newFilesystemWorkspace(opts FilesystemOptions) (*filesystemWorkspace, error) {
	workingDir := strings.TrimSpace(opts.WorkingDir)
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		workingDir = wd
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	gitDir := strings.TrimSpace(opts.GitDir)
	if gitDir == "" {
		gitDir = filepath.Join(workingDir, ".git")
	}
	if abs, err := filepath.Abs(gitDir); err == nil {
		gitDir = abs
	}
	info, err := os.Stat(gitDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open git directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a git directory", gitDir)
	}
	return &filesystemWorkspace{
		options:    opts,
		workingDir: workingDir,
		gitDir:     gitDir,
		store:      objstore.Open(gitDir),
	}, nil
}

func (ws *filesystemWorkspace) Begin(ctx context.Context) (*snapshot.Snapshot, error) {
	lock, err := gitindex.Acquire(ws.gitDir)
	if err != nil {
		return nil, err
	}
	snap, err := lock.Read()
	if err != nil {
		_ = lock.Rollback()
		return nil, err
	}
	attrs, err := filter.LoadAttributes(ws.workingDir)
	if err != nil {
		_ = lock.Rollback()
		return nil, err
	}
	autoCRLF := false
	if ws.options.AutoCRLF != nil {
		autoCRLF = *ws.options.AutoCRLF
	} else if autoCRLF, err = filter.ReadAutoCRLF(ws.gitDir); err != nil {
		_ = lock.Rollback()
		return nil, err
	}
	ws.pipeline = filter.New(filter.Options{
		Drivers:    ws.options.Filters,
		Attributes: attrs,
		AutoCRLF:   autoCRLF,
		Limit:      ws.options.InCoreLimit,
		Logger:     ws.options.Logger,
	})
	ws.lock = lock
	return snap, nil
}

func (ws *filesystemWorkspace) Content(path string, e snapshot.Entry) (*ContentRef, error) {
	abs, err := ws.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if e.Mode == filemode.Symlink {
		target, err := os.Readlink(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to read link %s: %w", path, err)
		}
		return BufferContent([]byte(target)), nil
	}
	return FileContent(abs), nil
}

func (ws *filesystemWorkspace) Clean(ctx context.Context, path string, content []byte) ([]byte, error) {
	return ws.pipeline.Clean(ctx, path, content)
}

// StoredForm is the identity: the index receives the clean, LF form.
func (ws *filesystemWorkspace) StoredForm(content []byte, _ eol) []byte {
	return content
}

func (ws *filesystemWorkspace) Occupied(path string) bool {
	abs, err := ws.resolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Lstat(abs)
	return err == nil
}

func (ws *filesystemWorkspace) Write(ctx context.Context, path string, content []byte, mode filemode.FileMode, conv eol) error {
	abs, err := ws.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if info, err := os.Lstat(abs); err == nil && (info.Mode()&fs.ModeSymlink != 0 || mode == filemode.Symlink) {
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("failed to replace %s: %w", path, err)
		}
	}
	if mode == filemode.Symlink {
		if err := os.Symlink(string(content), abs); err != nil {
			return fmt.Errorf("failed to create link %s: %w", path, err)
		}
		return nil
	}

	out, err := ws.pipeline.Smudge(ctx, path, content)
	if err != nil {
		return err
	}
	if conv == eolCRLF || (conv == eolLF && ws.pipeline.AutoCRLF() && !filter.IsBinary(out)) {
		out = filter.ToCRLF(out)
	}
	perm := permFor(mode)
	if err := os.WriteFile(abs, out, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(abs, perm); err != nil {
		return fmt.Errorf("failed to set permissions for %s: %w", path, err)
	}
	return nil
}

func (ws *filesystemWorkspace) Remove(path string) error {
	abs, err := ws.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	ws.pruneEmptyParents(filepath.Dir(abs))
	return nil
}

func (ws *filesystemWorkspace) Rename(from, to string) error {
	src, err := ws.resolvePath(from)
	if err != nil {
		return err
	}
	dst, err := ws.resolvePath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", to, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	ws.pruneEmptyParents(filepath.Dir(src))
	return nil
}

func (ws *filesystemWorkspace) Copy(from, to string) error {
	src, err := ws.resolvePath(from)
	if err != nil {
		return err
	}
	dst, err := ws.resolvePath(to)
	if err != nil {
		return err
	}
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", from, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", to, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", from, err)
		}
		return os.Symlink(target, dst)
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", from, err)
	}
	if err := os.WriteFile(dst, content, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", to, err)
	}
	return nil
}

func (ws *filesystemWorkspace) Chmod(path string, mode filemode.FileMode) error {
	if mode == filemode.Symlink || mode == filemode.Submodule {
		return nil
	}
	abs, err := ws.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Chmod(abs, permFor(mode)); err != nil {
		return fmt.Errorf("failed to set permissions for %s: %w", path, err)
	}
	return nil
}

func (ws *filesystemWorkspace) Stat(path string) (snapshot.Entry, error) {
	abs, err := ws.resolvePath(path)
	if err != nil {
		return snapshot.Entry{}, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return snapshot.Entry{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	e := snapshot.Entry{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Stat:    snapshot.Stat{CreatedAt: info.ModTime()},
	}
	fillStat(&e.Stat, info.Sys())
	return e, nil
}

func (ws *filesystemWorkspace) Commit(snap *snapshot.Snapshot) error {
	if ws.lock == nil {
		return gitindex.ErrReleased
	}
	err := ws.lock.Commit(snap)
	ws.lock = nil
	return err
}

func (ws *filesystemWorkspace) Release() error {
	if ws.lock == nil {
		return nil
	}
	err := ws.lock.Rollback()
	ws.lock = nil
	return err
}

func (ws *filesystemWorkspace) resolvePath(relative string) (string, error) {
	rel := strings.TrimSpace(relative)
	if rel == "" {
		return "", fmt.Errorf("invalid patch path")
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("patch path %s escapes the working tree", relative)
	}
	return filepath.Join(ws.workingDir, cleaned), nil
}

// pruneEmptyParents removes directories emptied by a delete or rename, up to
// the working tree root.
func (ws *filesystemWorkspace) pruneEmptyParents(dir string) {
	for dir != ws.workingDir && strings.HasPrefix(dir, ws.workingDir) {
		// Remove fails on non-empty directories.
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func permFor(mode filemode.FileMode) fs.FileMode {
	if mode == filemode.Executable {
		return 0o755
	}
	return 0o644
}

// Package workspace manages the per-job artifact directories. Every
// path handed out by this package is verified to lie inside the job's
// own directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"posreports/internal/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrOutsideWorkspace = errors.New("path outside job workspace")
	ErrInvalidJobID     = errors.New("invalid job id")
)

// Root is the directory holding one workspace per job.
type Root struct {
	dir string
}

func NewRoot(dir string) *Root {
	return &Root{dir: dir}
}

func (r *Root) Path() string { return r.dir }

// Dir returns the workspace directory of jobID without creating it.
func (r *Root) Dir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return filepath.Join(r.dir, jobID), nil
}

// Create makes the workspace directory of jobID and returns its
// absolute path. An existing workspace is reused.
func (r *Root) Create(jobID string) (string, error) {
	dir, err := r.Dir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// Exists reports whether the workspace of jobID exists.
func (r *Root) Exists(jobID string) bool {
	dir, err := r.Dir(jobID)
	if err != nil {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

// Resolve maps a path relative to the workspace of jobID to a file
// path, rejecting anything that escapes the workspace.
func (r *Root) Resolve(jobID, rel string) (string, error) {
	dir, err := r.Dir(jobID)
	if err != nil {
		return "", err
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, rel)
	}
	full := filepath.Join(dir, filepath.FromSlash(rel))
	back, err := filepath.Rel(dir, full)
	if err != nil || back == "." || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, rel)
	}
	return full, nil
}

// List returns every regular file of the workspace, newest first.
func (r *Root) List(jobID string) ([]model.FileInfo, error) {
	dir, err := r.Dir(jobID)
	if err != nil {
		return nil, err
	}
	if !r.Exists(jobID) {
		return nil, ErrNotFound
	}

	var files []model.FileInfo
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, model.FileInfo{
			Name:     d.Name(),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Modified > files[j].Modified })
	return files, nil
}

// Open resolves rel and checks that it is an existing regular file.
func (r *Root) Open(jobID, rel string) (string, os.FileInfo, error) {
	if !r.Exists(jobID) {
		return "", nil, ErrNotFound
	}
	path, err := r.Resolve(jobID, rel)
	if err != nil {
		return "", nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	if !st.Mode().IsRegular() {
		return "", nil, ErrNotFound
	}
	return path, st, nil
}

// DeleteFile removes one artifact.
func (r *Root) DeleteFile(jobID, rel string) error {
	path, _, err := r.Open(jobID, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// FailedDelete is a file that could not be removed.
type FailedDelete struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// DeleteResult partitions the names passed to DeleteFiles.
type DeleteResult struct {
	Deleted  []string       `json:"deleted"`
	Failed   []FailedDelete `json:"failed"`
	NotFound []string       `json:"not_found"`
}

// Partial reports whether anything was not deleted.
func (d DeleteResult) Partial() bool {
	return len(d.Failed) > 0 || len(d.NotFound) > 0
}

// DeleteFiles removes each named file independently.
func (r *Root) DeleteFiles(jobID string, names []string) (DeleteResult, error) {
	res := DeleteResult{Deleted: []string{}, Failed: []FailedDelete{}, NotFound: []string{}}
	if !r.Exists(jobID) {
		return res, ErrNotFound
	}
	for _, name := range names {
		err := r.DeleteFile(jobID, name)
		switch {
		case err == nil:
			res.Deleted = append(res.Deleted, name)
		case errors.Is(err, ErrNotFound):
			res.NotFound = append(res.NotFound, name)
		default:
			res.Failed = append(res.Failed, FailedDelete{Filename: name, Error: err.Error()})
		}
	}
	return res, nil
}

// DeleteAll removes the whole workspace of jobID and returns how many
// files it held.
func (r *Root) DeleteAll(jobID string) (int, error) {
	files, err := r.List(jobID)
	if err != nil {
		return 0, err
	}
	dir, _ := r.Dir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("delete workspace: %w", err)
	}
	return len(files), nil
}

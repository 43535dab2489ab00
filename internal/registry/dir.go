package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"go.uber.org/zap"
)

// Dir serves specs from *.yaml / *.yml files in a directory. The directory is
// re-scanned on every call and re-parsed when any file changed, so edits take
// effect on the next poll. A broken edit keeps the last good set.
type Dir struct {
	path string
	log  *zap.Logger

	mu    sync.Mutex
	stamp string
	mem   *Memory
}

func NewDir(path string, log *zap.Logger) (*Dir, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dir{path: path, log: log, mem: &Memory{specs: map[string]model.Spec{}}}
	if err := d.refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

var _ Registry = (*Dir)(nil)

func (d *Dir) Names(ctx context.Context) ([]string, error) {
	d.maybeRefresh()
	return d.mem.Names(ctx)
}

func (d *Dir) Get(ctx context.Context, name string) (*model.Spec, error) {
	return d.mem.Get(ctx, name)
}

func (d *Dir) maybeRefresh() {
	if err := d.refresh(); err != nil {
		d.log.Error("spec reload failed, keeping previous set", zap.String("dir", d.path), zap.Error(err))
	}
}

func (d *Dir) refresh() error {
	files, stamp, err := d.scan()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if stamp == d.stamp {
		return nil
	}

	var specs []model.Spec
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		parsed, err := model.ParseSpecs(b)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		specs = append(specs, parsed...)
	}
	if err := d.mem.replace(specs); err != nil {
		return err
	}
	d.stamp = stamp
	d.log.Info("specs loaded", zap.String("dir", d.path), zap.Int("count", len(specs)))
	return nil
}

// scan lists spec files and fingerprints them by name, size and mtime.
func (d *Dir) scan() ([]string, string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, "", fmt.Errorf("read spec dir: %w", err)
	}
	var files []string
	var sb strings.Builder
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, "", err
		}
		files = append(files, filepath.Join(d.path, e.Name()))
		fmt.Fprintf(&sb, "%s|%d|%s;", e.Name(), info.Size(), info.ModTime().Format(time.RFC3339Nano))
	}
	sort.Strings(files)
	return files, sb.String(), nil
}

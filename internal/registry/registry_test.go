package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specA = `
name: wf-a
triggers: [{model: post, actions: [create]}]
steps: [{op: log, message: a}]
`

const specsBC = `
name: wf-b
triggers: [{model: post, actions: [update]}]
steps: [{op: log, message: b}]
---
name: wf-c
actorMode: system
triggers: [{interval: {unit: hour, value: 1}}]
steps: [{op: log, message: c}]
`

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDir_ReloadsOnChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "a.yaml"), specA, base)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored", base)

	reg, err := NewDir(dir, nil)
	require.NoError(t, err)

	names, err := reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a"}, names)

	writeFile(t, filepath.Join(dir, "bc.yml"), specsBC, base.Add(time.Second))
	names, err = reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b", "wf-c"}, names)

	c, err := reg.Get(ctx, "wf-c")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, model.ActorSystem, c.ActorMode)

	// broken edit keeps the last good set
	writeFile(t, filepath.Join(dir, "a.yaml"), "name: wf-a\nsteps: [{op: teleport}]\n", base.Add(2*time.Second))
	names, err = reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b", "wf-c"}, names)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	names, err = reg.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-b", "wf-c"}, names)

	missing, err := reg.Get(ctx, "wf-a")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDir_RejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "one.yaml"), specA, now)
	writeFile(t, filepath.Join(dir, "two.yaml"), specA, now)

	_, err := NewDir(dir, nil)
	assert.ErrorContains(t, err, "duplicate")
}

func TestMemory_PutValidates(t *testing.T) {
	reg, err := NewMemory()
	require.NoError(t, err)

	err = reg.Put(model.Spec{Name: "bad", ActorMode: model.ActorImpersonate})
	assert.Error(t, err)

	require.NoError(t, reg.Put(model.Spec{Name: "ok"}))
	s, err := reg.Get(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, model.ActorInherit, s.ActorMode)

	reg.Remove("ok")
	names, err := reg.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

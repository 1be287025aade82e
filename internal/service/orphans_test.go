package service_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *env) putLocal(t *testing.T, p string) {
	t.Helper()
	_, err := e.store.Put(p, bytes.NewReader([]byte("stray")))
	require.NoError(t, err)
}

func (e *env) putRemote(t *testing.T, p string) {
	t.Helper()
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("stray"), 0o644))

	sess, err := e.dialer.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.Put(ctx, src, p))
}

func TestSweepLocalRemovesOnlyUnclaimedFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	kept := e.addLocal(t, "KEEPKEEP", today, false)
	keptThumb := "MANUAL/TEXT/THUMBNAIL/KEEPKEEP.txt.svg"
	e.putLocal(t, keptThumb)
	e.putLocal(t, "MANUAL/TEXT/ORPHAN01.txt")
	e.putLocal(t, "MANUAL/TEXT/THUMBNAIL/ORPHAN02.txt.jpeg")
	e.putLocal(t, "API/IMAGE/ORPHAN03.tar.gz")
	e.putLocal(t, "misc/ORPHAN04.txt")

	res, err := e.sweeper.SweepLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)

	assert.True(t, e.localExists(t, kept.StoragePath))
	assert.True(t, e.localExists(t, keptThumb))
	assert.False(t, e.localExists(t, "MANUAL/TEXT/ORPHAN01.txt"))
	assert.False(t, e.localExists(t, "MANUAL/TEXT/THUMBNAIL/ORPHAN02.txt.jpeg"))
	assert.False(t, e.localExists(t, "API/IMAGE/ORPHAN03.tar.gz"))
	assert.True(t, e.localExists(t, "misc/ORPHAN04.txt"), "files outside kind directories are ignored")

	_, err = e.repo.GetByID(ctx, kept.ID)
	assert.NoError(t, err)
}

func TestSweepRemoteRemovesOnlyUnclaimedFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	kept := e.addArchived(t, "KEEPKEEP", today)
	e.putRemote(t, "MANUAL/TEXT/ORPHAN01.txt")
	e.putRemote(t, "EMAIL_ATTACHMENT/FILE/ORPHAN02.bin")
	e.putRemote(t, "MANUAL/TEXT/nested/ORPHAN03.txt")

	res, err := e.sweeper.SweepRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	_, ok := e.remote(t, kept.StoragePath)
	assert.True(t, ok)
	_, ok = e.remote(t, "MANUAL/TEXT/ORPHAN01.txt")
	assert.False(t, ok)
	_, ok = e.remote(t, "EMAIL_ATTACHMENT/FILE/ORPHAN02.bin")
	assert.False(t, ok)
	_, ok = e.remote(t, "MANUAL/TEXT/nested/ORPHAN03.txt")
	assert.True(t, ok, "sub-directories are not descended")
}

func TestSweepAll(t *testing.T) {
	e := newEnv(t)
	e.putLocal(t, "MANUAL/FONT/ORPHAN01.ttf")
	e.putRemote(t, "MANUAL/FONT/ORPHAN02.ttf")

	require.NoError(t, e.sweeper.SweepAll(context.Background()))

	assert.False(t, e.localExists(t, "MANUAL/FONT/ORPHAN01.ttf"))
	_, ok := e.remote(t, "MANUAL/FONT/ORPHAN02.ttf")
	assert.False(t, ok)
}

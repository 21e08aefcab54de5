package syncrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/backend/fakedrive"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/eventbus"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncRig struct {
	runner *Runner
	drive  *fakedrive.Drive
	store  *store.Store
	tenant model.Tenant
	task   model.SyncTask
	local  string
	remote string // 任务根目录 token
}

func newSyncRig(t *testing.T, direction model.SyncDirection, conflict model.ConflictStrategy, propagate bool) *syncRig {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	drive := fakedrive.New()
	drive.BlockSize = 1024
	set := &backend.Set{Lark: drive}

	reg := registry.New(st, set, nil)
	tenant, err := reg.AddTenant(registry.AddTenantParams{
		DisplayName: "T",
		Credentials: model.AppCredentials{AppID: "app", AppSecret: "secret"},
		QuotaBytes:  1 << 40,
	})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	engine, err := transfer.New(st, set, reg, bus, model.TransferConfig{
		WorkersPerDirection: 2, PerTenantParallel: 2,
		BlockRetries: 3, RetryBaseMs: 5, RetryCapMs: 20, BackendTimeoutSec: 5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		bus.Close(time.Second)
	})

	localDir := t.TempDir()
	remoteRoot := drive.MustFolder(tenant.ID, "", "SyncRoot")

	task := model.SyncTask{
		ID:                uuid.NewString(),
		Name:              "task",
		Direction:         direction,
		TenantID:          tenant.ID,
		RemoteFolderToken: remoteRoot,
		LocalPath:         localDir,
		Schedule:          "* * * * *",
		Enabled:           true,
		Detection:         model.DetectionSizeMtime,
		Conflict:          conflict,
		PropagateDelete:   propagate,
		LastStatus:        model.TaskIdle,
	}
	require.NoError(t, st.Tasks.Update(func(f *model.TaskFile) error {
		f.Tasks = append(f.Tasks, task)
		return nil
	}))

	runner := New(st, set, reg, engine, nil)
	return &syncRig{
		runner: runner, drive: drive, store: st,
		tenant: tenant, task: task, local: localDir, remote: remoteRoot,
	}
}

func (r *syncRig) writeLocal(t *testing.T, rel string, data []byte, mtime time.Time) {
	t.Helper()
	abs := filepath.Join(r.local, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

func (r *syncRig) putSnapshot(t *testing.T, entries map[string]model.SnapshotEntry) {
	t.Helper()
	require.NoError(t, r.store.Snapshots.Put(r.task.ID, &model.Snapshot{
		Version: 1, TaskID: r.task.ID, TakenAt: time.Now().UTC(), Entries: entries,
	}))
}

func TestInitialBidirectionalSyncMergesBothSides(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, true)

	now := time.Now().UTC().Truncate(time.Second)
	rig.writeLocal(t, "local.txt", []byte("local-data"), now)
	rig.drive.PutFile(rig.tenant.ID, rig.remote, "remote.txt", []byte("remote-data"), now)

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	// 远端补上 local.txt
	up, ok := rig.drive.FindByName(rig.remote, "local.txt")
	require.True(t, ok)
	data, _ := rig.drive.FileData(up.Token)
	assert.Equal(t, "local-data", string(data))

	// 本地补上 remote.txt
	got, err := os.ReadFile(filepath.Join(rig.local, "remote.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote-data", string(got))

	// 快照覆盖两个文件
	snap, err := rig.store.Snapshots.Get(rig.task.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Entries, 2)
}

// 双向冲突，newest 策略，远端更新
// 快照 x.txt{size=10}，远端 {size=12, mtime=T+30}，本地 {size=11, mtime=T+10}
func TestBidirectionalConflictNewestPrefersLaterMtime(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, false)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rig.writeLocal(t, "x.txt", []byte("had-11-byte"), base.Add(10*time.Second))
	remoteToken := rig.drive.PutFile(rig.tenant.ID, rig.remote, "x.txt",
		[]byte("twelve-bytes"), base.Add(30*time.Second))
	rig.putSnapshot(t, map[string]model.SnapshotEntry{
		"x.txt": {Size: 10, MTime: base, RemoteToken: remoteToken},
	})

	uploadsBefore := rig.drive.UploadFinishCalls
	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	// 一次下载替换本地，无上传
	got, err := os.ReadFile(filepath.Join(rig.local, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "twelve-bytes", string(got))
	assert.Equal(t, uploadsBefore, rig.drive.UploadFinishCalls, "不应有上传")

	// 新快照记录远端的 size 与 mtime
	snap, err := rig.store.Snapshots.Get(rig.task.ID)
	require.NoError(t, err)
	entry, ok := snap.Entries["x.txt"]
	require.True(t, ok)
	assert.Equal(t, int64(12), entry.Size)
	assert.True(t, entry.MTime.Equal(base.Add(30*time.Second)), "下载后本地 mtime 对齐远端")
}

// mtime 持平时 newest 落到 prefer_remote
func TestConflictNewestTieGoesToRemote(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, false)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rig.writeLocal(t, "tie.txt", []byte("local"), base)
	rig.drive.PutFile(rig.tenant.ID, rig.remote, "tie.txt", []byte("remote!"), base)

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	got, err := os.ReadFile(filepath.Join(rig.local, "tie.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote!", string(got))
}

// 删除传播: 快照 {a,b}，远端 {a,b}，本地 {a}
func TestDeletePropagationRemovesRemote(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, true)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rig.writeLocal(t, "a.txt", []byte("aa"), base)
	aTok := rig.drive.PutFile(rig.tenant.ID, rig.remote, "a.txt", []byte("aa"), base)
	bTok := rig.drive.PutFile(rig.tenant.ID, rig.remote, "b.txt", []byte("bb"), base)
	rig.putSnapshot(t, map[string]model.SnapshotEntry{
		"a.txt": {Size: 2, MTime: base, RemoteToken: aTok},
		"b.txt": {Size: 2, MTime: base, RemoteToken: bTok},
	})

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	_, ok := rig.drive.FindByName(rig.remote, "b.txt")
	assert.False(t, ok, "远端 b.txt 被删除")
	_, ok = rig.drive.FindByName(rig.remote, "a.txt")
	assert.True(t, ok)

	snap, err := rig.store.Snapshots.Get(rig.task.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	_, ok = snap.Entries["a.txt"]
	assert.True(t, ok)
}

// propagate_delete 关闭时，远端幸存文件被重新下载
func TestDeleteWithoutPropagationRestoresFile(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, false)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	tok := rig.drive.PutFile(rig.tenant.ID, rig.remote, "keep.txt", []byte("keep"), base)
	rig.putSnapshot(t, map[string]model.SnapshotEntry{
		"keep.txt": {Size: 4, MTime: base, RemoteToken: tok},
	})

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	got, err := os.ReadFile(filepath.Join(rig.local, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
}

// 连续两次运行，第二次零动作
func TestSecondRunIsIdempotent(t *testing.T) {
	rig := newSyncRig(t, model.DirectionBidirectional, model.ConflictNewest, true)

	now := time.Now().UTC().Truncate(time.Second)
	rig.writeLocal(t, "a.txt", []byte("data-a"), now)
	rig.drive.PutFile(rig.tenant.ID, rig.remote, "b.txt", []byte("data-b"), now)

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	var transfersAfterFirst int
	require.NoError(t, rig.store.Transfers.Read(func(f *model.TransferFile) error {
		transfersAfterFirst = len(f.Transfers)
		return nil
	}))
	blocksAfterFirst := rig.drive.UploadBlockCalls

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	var transfersAfterSecond int
	require.NoError(t, rig.store.Transfers.Read(func(f *model.TransferFile) error {
		transfersAfterSecond = len(f.Transfers)
		return nil
	}))
	assert.Equal(t, transfersAfterFirst, transfersAfterSecond, "第二次运行不产生新传输")
	assert.Equal(t, blocksAfterFirst, rig.drive.UploadBlockCalls)
}

// 单向 cloud_to_local 不产生上传
func TestCloudToLocalNeverUploads(t *testing.T) {
	rig := newSyncRig(t, model.DirectionCloudToLocal, model.ConflictNewest, true)

	now := time.Now().UTC().Truncate(time.Second)
	rig.writeLocal(t, "only-local.txt", []byte("local"), now)
	rig.drive.PutFile(rig.tenant.ID, rig.remote, "only-remote.txt", []byte("remote"), now)

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	_, ok := rig.drive.FindByName(rig.remote, "only-local.txt")
	assert.False(t, ok, "cloud_to_local 不上传")
	_, err := os.Stat(filepath.Join(rig.local, "only-remote.txt"))
	assert.NoError(t, err)
}

// include/exclude 过滤
func TestGlobFiltersLimitScope(t *testing.T) {
	rig := newSyncRig(t, model.DirectionLocalToCloud, model.ConflictNewest, true)
	require.NoError(t, rig.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == rig.task.ID {
				f.Tasks[i].IncludePatterns = []string{"**/*.md"}
				f.Tasks[i].ExcludePatterns = []string{"drafts/**"}
			}
		}
		return nil
	}))

	now := time.Now().UTC().Truncate(time.Second)
	rig.writeLocal(t, "notes/a.md", []byte("a"), now)
	rig.writeLocal(t, "notes/skip.txt", []byte("s"), now)
	rig.writeLocal(t, "drafts/d.md", []byte("d"), now)

	require.NoError(t, rig.runner.RunTask(context.Background(), rig.task.ID))

	notes, ok := rig.drive.FindByName(rig.remote, "notes")
	require.True(t, ok)
	_, ok = rig.drive.FindByName(notes.Token, "a.md")
	assert.True(t, ok)
	_, ok = rig.drive.FindByName(notes.Token, "skip.txt")
	assert.False(t, ok, "未命中 include 的文件不上传")
	_, ok = rig.drive.FindByName(rig.remote, "drafts")
	assert.False(t, ok, "exclude 目录整体跳过")
}

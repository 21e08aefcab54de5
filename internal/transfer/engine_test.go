package transfer

import (
	"bytes"
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
	"github.com/haierkeys/feisync-service/pkg/eventbus"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	engine *Engine
	drive  *fakedrive.Drive
	reg    *registry.Registry
	store  *store.Store
	tenant model.Tenant
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	drive := fakedrive.New()
	drive.BlockSize = 1024

	reg := registry.New(st, &backend.Set{Lark: drive}, nil)
	tenant, err := reg.AddTenant(registry.AddTenantParams{
		DisplayName: "T",
		Credentials: model.AppCredentials{AppID: "app", AppSecret: "secret"},
		QuotaBytes:  1 << 40,
	})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	cfg := model.TransferConfig{
		WorkersPerDirection: 2,
		PerTenantParallel:   2,
		BlockRetries:        5,
		RetryBaseMs:         5,
		RetryCapMs:          20,
		BackendTimeoutSec:   5,
	}
	engine, err := New(st, &backend.Set{Lark: drive}, reg, bus, cfg, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		bus.Close(time.Second)
	})
	return &testRig{engine: engine, drive: drive, reg: reg, store: st, tenant: tenant}
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func waitTerminal(t *testing.T, engine *Engine, id string) model.Transfer {
	t.Helper()
	select {
	case final := <-engine.Wait(id):
		return final
	case <-time.After(10 * time.Second):
		t.Fatalf("transfer %s did not reach a terminal state", id)
		return model.Transfer{}
	}
}

func TestFileUploadRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	path := writeTempFile(t, 2500)
	want, _ := os.ReadFile(path)

	root := rig.drive.MustRoot(rig.tenant.ID)
	tr, err := rig.engine.EnqueueFileUpload(rig.tenant.ID, root, path, "payload.bin", "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, int64(2500), final.Transferred)
	assert.Equal(t, int64(2500), final.Size)
	assert.Nil(t, final.Resume, "成功后断点数据清空")
	assert.Equal(t, 1, rig.drive.UploadFinishCalls)

	got, ok := rig.drive.FileData(final.ResourceToken)
	require.True(t, ok)
	assert.True(t, bytes.Equal(want, got))
}

func TestEmptyFileUploadUsesZeroBlocks(t *testing.T) {
	rig := newTestRig(t)
	path := writeTempFile(t, 0)

	root := rig.drive.MustRoot(rig.tenant.ID)
	tr, err := rig.engine.EnqueueFileUpload(rig.tenant.ID, root, path, "empty.bin", "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, int64(0), final.Transferred)
	assert.Equal(t, 0, rig.drive.UploadBlockCalls)
	assert.Equal(t, 1, rig.drive.UploadFinishCalls)
}

func TestExactBlockMultipleHasNoShortTail(t *testing.T) {
	rig := newTestRig(t)
	path := writeTempFile(t, 2048) // 正好 2 块

	root := rig.drive.MustRoot(rig.tenant.ID)
	tr, err := rig.engine.EnqueueFileUpload(rig.tenant.ID, root, path, "even.bin", "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, 2, rig.drive.UploadBlockCalls)
}

func TestUploadRetriesTransientBlockErrors(t *testing.T) {
	rig := newTestRig(t)
	path := writeTempFile(t, 3000) // 3 块

	rig.drive.FailNextUploadBlocks(2)
	root := rig.drive.MustRoot(rig.tenant.ID)
	tr, err := rig.engine.EnqueueFileUpload(rig.tenant.ID, root, path, "retry.bin", "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, 5, rig.drive.UploadBlockCalls, "2 次瞬态失败加 3 次成功")
}

// 进程重启后的断点续传
// 本地文件 2,500,000 字节，块大小 1 MiB，重启前已完成两块
func TestResumedUploadAfterRestart(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	drive := fakedrive.New()
	drive.BlockSize = 1 << 20

	reg := registry.New(st, &backend.Set{Lark: drive}, nil)
	tenant, err := reg.AddTenant(registry.AddTenantParams{
		DisplayName: "T",
		Credentials: model.AppCredentials{AppID: "app", AppSecret: "secret"},
		QuotaBytes:  1 << 40,
	})
	require.NoError(t, err)

	const fileSize = 2_500_000
	const blockSize = int64(1 << 20)
	path := writeTempFile(t, fileSize)
	want, _ := os.ReadFile(path)

	// 重启前的会话: 两块已上传
	root := drive.MustRoot(tenant.ID)
	session, err := drive.UploadInit(context.Background(), &tenant, root, "resume.bin", fileSize)
	require.NoError(t, err)
	require.NoError(t, drive.UploadBlock(context.Background(), &tenant, session.UploadID, 0, want[:blockSize]))
	require.NoError(t, drive.UploadBlock(context.Background(), &tenant, session.UploadID, 1, want[blockSize:2*blockSize]))

	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, st.Transfers.Update(func(f *model.TransferFile) error {
		f.Transfers = append(f.Transfers, model.Transfer{
			ID:          id,
			Direction:   model.DirectionUpload,
			Kind:        model.KindFileUp,
			Name:        "resume.bin",
			TenantID:    tenant.ID,
			ParentToken: root,
			LocalPath:   path,
			Size:        fileSize,
			Transferred: 2 * blockSize,
			Status:      model.StatusRunning, // 进程中断时的状态
			CreatedAt:   now,
			UpdatedAt:   now,
			Resume: &model.ResumePayload{
				UploadID:    session.UploadID,
				BlockSize:   blockSize,
				NextSeq:     2,
				ParentToken: root,
				FilePath:    path,
				FileName:    "resume.bin",
				Size:        fileSize,
			},
		})
		return nil
	}))

	// 重启: 引擎把 running 降级为 paused
	bus := eventbus.New(nil)
	engine, err := New(st, &backend.Set{Lark: drive}, reg, bus, model.TransferConfig{
		WorkersPerDirection: 1, PerTenantParallel: 1,
		BlockRetries: 3, RetryBaseMs: 5, RetryCapMs: 20, BackendTimeoutSec: 5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		bus.Close(time.Second)
	})

	afterRestart, err := engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, afterRestart.Status)

	blocksBefore := drive.UploadBlockCalls
	_, err = engine.Resume(id)
	require.NoError(t, err)

	final := waitTerminal(t, engine, id)
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, int64(fileSize), final.Transferred)
	assert.Equal(t, 1, drive.UploadBlockCalls-blocksBefore, "恢复后只补传最后一块")
	assert.Equal(t, 1, drive.UploadFinishCalls, "upload_finish 只调用一次")

	got, ok := drive.FileData(final.ResourceToken)
	require.True(t, ok)
	assert.True(t, bytes.Equal(want, got), "与不间断上传的字节一致")
}

func TestDownloadRoundTrip(t *testing.T) {
	rig := newTestRig(t)

	want := make([]byte, 5000)
	for i := range want {
		want[i] = byte(i % 7)
	}
	token := rig.drive.PutFile(rig.tenant.ID, "", "dl.bin", want, time.Now().UTC())

	dest := t.TempDir()
	tr, err := rig.engine.EnqueueFileDownload(rig.tenant.ID, token, dest, "dl.bin", int64(len(want)), "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	require.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, int64(len(want)), final.Transferred)

	got, err := os.ReadFile(filepath.Join(dest, "dl.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))

	_, err = os.Stat(filepath.Join(dest, "dl.bin.part"))
	assert.True(t, os.IsNotExist(err), "临时文件已清理")
}

func TestDownloadPicksUniqueName(t *testing.T) {
	rig := newTestRig(t)
	token := rig.drive.PutFile(rig.tenant.ID, "", "same.txt", []byte("cloud"), time.Now().UTC())

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "same.txt"), []byte("local"), 0o644))

	tr, err := rig.engine.EnqueueFileDownload(rig.tenant.ID, token, dest, "same.txt", 5, "")
	require.NoError(t, err)
	final := waitTerminal(t, rig.engine, tr.ID)
	require.Equal(t, model.StatusSuccess, final.Status)

	got, err := os.ReadFile(filepath.Join(dest, "same (1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "cloud", string(got))

	untouched, _ := os.ReadFile(filepath.Join(dest, "same.txt"))
	assert.Equal(t, "local", string(untouched))
}

func TestCancelPendingTransferIsTerminal(t *testing.T) {
	rig := newTestRig(t)

	// 构造一个不会被 worker 捡走的记录（直接插入，不入队）
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, rig.store.Transfers.Update(func(f *model.TransferFile) error {
		f.Transfers = append(f.Transfers, model.Transfer{
			ID: id, Direction: model.DirectionUpload, Kind: model.KindFileUp,
			Name: "x", TenantID: rig.tenant.ID, Status: model.StatusPaused,
			CreatedAt: now, UpdatedAt: now,
		})
		return nil
	}))

	final, err := rig.engine.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.Message)

	_, err = rig.engine.Cancel(id)
	assert.Error(t, err, "终态记录不能再取消")
}

func TestRestartFromFailedCreatesFreshRecord(t *testing.T) {
	rig := newTestRig(t)
	path := writeTempFile(t, 100)

	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, rig.store.Transfers.Update(func(f *model.TransferFile) error {
		f.Transfers = append(f.Transfers, model.Transfer{
			ID: id, Direction: model.DirectionUpload, Kind: model.KindFileUp,
			Name: "fresh.bin", TenantID: rig.tenant.ID,
			ParentToken: rig.drive.MustRoot(rig.tenant.ID),
			LocalPath:   path, Size: 100, Transferred: 40,
			Status: model.StatusFailed, Message: "boom",
			CreatedAt: now, UpdatedAt: now,
		})
		return nil
	}))

	fresh, err := rig.engine.Restart(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh.ID)
	assert.Equal(t, int64(0), fresh.Transferred)

	final := waitTerminal(t, rig.engine, fresh.ID)
	assert.Equal(t, model.StatusSuccess, final.Status)
}

func TestFolderUploadMirrorsTreeAndAggregates(t *testing.T) {
	rig := newTestRig(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bbbbbb"), 0o644))

	root := rig.drive.MustRoot(rig.tenant.ID)
	tr, err := rig.engine.EnqueueFolderUpload(rig.tenant.ID, root, dir, "")
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, tr.ID)
	require.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, int64(10), final.Size)
	assert.Equal(t, int64(10), final.Transferred)

	folder, ok := rig.drive.FindByName(root, filepath.Base(dir))
	require.True(t, ok)
	require.True(t, folder.IsFolder())

	a, ok := rig.drive.FindByName(folder.Token, "a.txt")
	require.True(t, ok)
	data, _ := rig.drive.FileData(a.Token)
	assert.Equal(t, "aaaa", string(data))

	sub, ok := rig.drive.FindByName(folder.Token, "sub")
	require.True(t, ok)
	b, ok := rig.drive.FindByName(sub.Token, "b.txt")
	require.True(t, ok)
	data, _ = rig.drive.FileData(b.Token)
	assert.Equal(t, "bbbbbb", string(data))
}

func TestTenantRemovalCancelsInFlight(t *testing.T) {
	rig := newTestRig(t)

	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, rig.store.Transfers.Update(func(f *model.TransferFile) error {
		f.Transfers = append(f.Transfers, model.Transfer{
			ID: id, Direction: model.DirectionDownload, Kind: model.KindFileDown,
			Name: "x", TenantID: rig.tenant.ID, Status: model.StatusPaused,
			CreatedAt: now, UpdatedAt: now,
		})
		return nil
	}))

	require.NoError(t, rig.reg.RemoveTenant(rig.tenant.ID))

	final, err := rig.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, "tenant removed", final.Message)
}

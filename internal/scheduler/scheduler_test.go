package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/safe_close"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner 记录调用并可阻塞
type stubRunner struct {
	calls   chan string
	release chan struct{}
	err     error
}

func (s *stubRunner) RunTask(ctx context.Context, taskID string) error {
	s.calls <- taskID
	if s.release != nil {
		<-s.release
	}
	return s.err
}

func newSchedulerRig(t *testing.T, runner Runner) (*Scheduler, *store.Store, *safe_close.SafeClose) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	sc := safe_close.NewSafeClose()
	s := New(st, runner, sc, nil)
	t.Cleanup(func() {
		sc.SendCloseSignal(nil)
		_ = sc.WaitClosed()
	})
	return s, st, sc
}

func seedTask(t *testing.T, st *store.Store, task model.SyncTask) {
	t.Helper()
	require.NoError(t, st.Tasks.Update(func(f *model.TaskFile) error {
		f.Tasks = append(f.Tasks, task)
		return nil
	}))
}

func TestComputeNextOrSemantics(t *testing.T) {
	// 日与周均受限: 任一匹配即触发
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := ComputeNext("0 9 1 * 1", from)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), *first)

	second, err := ComputeNext("0 9 1 * 1", *first)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), *second)
}

func TestComputeNextInvalidCron(t *testing.T) {
	_, err := ComputeNext("not a cron", time.Now())
	assert.Equal(t, code.InvalidCron, code.KindOf(err))
}

func TestValidateScheduleNormalizes(t *testing.T) {
	got, err := ValidateSchedule("? ? * * 7")
	require.NoError(t, err)
	assert.Equal(t, "* * * * 0", got)
}

func TestExecuteGuardsReentry(t *testing.T) {
	runner := &stubRunner{calls: make(chan string, 1), release: make(chan struct{})}
	s, st, _ := newSchedulerRig(t, runner)

	task := model.SyncTask{
		ID: uuid.NewString(), Name: "t", Schedule: "* * * * *",
		Enabled: true, LastStatus: model.TaskIdle,
		Direction: model.DirectionBidirectional, TenantID: "t1",
	}
	seedTask(t, st, task)

	done := make(chan error, 1)
	go func() { done <- s.Execute(context.Background(), task.ID) }()
	<-runner.calls // 第一次执行已进入 runner

	// 运行中的任务拒绝重入
	err := s.Execute(context.Background(), task.ID)
	assert.Equal(t, code.Conflict, code.KindOf(err))

	close(runner.release)
	require.NoError(t, <-done)

	// 完成后状态与下次触发时间更新
	var got model.SyncTask
	require.NoError(t, st.Tasks.Read(func(f *model.TaskFile) error {
		got = f.Tasks[0]
		return nil
	}))
	assert.Equal(t, model.TaskSuccess, got.LastStatus)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()), "next_run_at 始终在未来")
}

func TestExecuteFailureIncrementsCounter(t *testing.T) {
	runner := &stubRunner{calls: make(chan string, 8), err: code.New(code.LocalIo, "disk gone")}
	s, st, _ := newSchedulerRig(t, runner)

	task := model.SyncTask{
		ID: uuid.NewString(), Name: "t", Schedule: "* * * * *",
		Enabled: true, LastStatus: model.TaskIdle,
		Direction: model.DirectionBidirectional, TenantID: "t1",
	}
	seedTask(t, st, task)

	require.Error(t, s.Execute(context.Background(), task.ID))
	require.Error(t, s.Execute(context.Background(), task.ID))

	var got model.SyncTask
	require.NoError(t, st.Tasks.Read(func(f *model.TaskFile) error {
		got = f.Tasks[0]
		return nil
	}))
	assert.Equal(t, model.TaskFailed, got.LastStatus)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, "disk gone", got.LastMessage)
}

func TestRecomputeAllOnStartup(t *testing.T) {
	runner := &stubRunner{calls: make(chan string, 1)}
	s, st, _ := newSchedulerRig(t, runner)

	enabled := model.SyncTask{
		ID: uuid.NewString(), Name: "a", Schedule: "*/5 * * * *",
		Enabled: true, LastStatus: model.TaskRunning, // 崩溃遗留
	}
	disabled := model.SyncTask{
		ID: uuid.NewString(), Name: "b", Schedule: "*/5 * * * *",
		Enabled: false, LastStatus: model.TaskIdle,
	}
	seedTask(t, st, enabled)
	seedTask(t, st, disabled)

	require.NoError(t, s.RecomputeAllOnStartup())

	var tasks []model.SyncTask
	require.NoError(t, st.Tasks.Read(func(f *model.TaskFile) error {
		tasks = append(tasks, f.Tasks...)
		return nil
	}))
	assert.Equal(t, model.TaskFailed, tasks[0].LastStatus, "遗留的 running 被复位")
	require.NotNil(t, tasks[0].NextRunAt)
	assert.True(t, tasks[0].NextRunAt.After(time.Now()))
	assert.Nil(t, tasks[1].NextRunAt, "停用任务无下次触发")
}

func TestTickLoopDispatchesDueTask(t *testing.T) {
	runner := &stubRunner{calls: make(chan string, 1)}
	s, st, _ := newSchedulerRig(t, runner)

	past := time.Now().Add(-time.Minute)
	task := model.SyncTask{
		ID: uuid.NewString(), Name: "due", Schedule: "* * * * *",
		Enabled: true, LastStatus: model.TaskIdle, NextRunAt: &past,
	}
	seedTask(t, st, task)

	s.Start()
	s.Kick()

	select {
	case got := <-runner.calls:
		assert.Equal(t, task.ID, got)
	case <-time.After(5 * time.Second):
		t.Fatal("due task was not dispatched")
	}
}

package apilog

import (
	"testing"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(cmd string, status model.ApiLogStatus) model.ApiLogEntry {
	return model.ApiLogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Scope:     "admin",
		Command:   cmd,
		Status:    status,
	}
}

func TestAppendAndQuery(t *testing.T) {
	l, err := New(t.TempDir(), 5, true, nil)
	require.NoError(t, err)

	require.NoError(t, l.Append(entry("upload_file", model.ApiLogSuccess)))
	require.NoError(t, l.Append(entry("upload_file", model.ApiLogError)))
	require.NoError(t, l.Append(entry("list_tenants", model.ApiLogSuccess)))

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "list_tenants", all[0].Command, "最新条目在前")

	uploads, err := l.Query(Filter{Command: "upload"})
	require.NoError(t, err)
	assert.Len(t, uploads, 2)

	errs, err := l.Query(Filter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "upload_file", errs[0].Command)
}

func TestQueryLimit(t *testing.T) {
	l, err := New(t.TempDir(), 5, true, nil)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		require.NoError(t, l.Append(entry("cmd", model.ApiLogSuccess)))
	}
	out, err := l.Query(Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, out, 10)
}

func TestDisabledLoggerDropsEntries(t *testing.T) {
	l, err := New(t.TempDir(), 5, false, nil)
	require.NoError(t, err)

	require.NoError(t, l.Append(entry("cmd", model.ApiLogSuccess)))
	out, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRolloverKeepsEntriesReadable(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 5, true, nil)
	require.NoError(t, err)

	// 填充超过活动文件阈值的数据量（阈值为 1.25 MB）
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	payload := string(big)
	for i := 0; i < 400; i++ {
		e := entry("bulk", model.ApiLogSuccess)
		e.Message = payload
		require.NoError(t, l.Append(e))
	}

	archives, err := l.archivesLocked()
	require.NoError(t, err)
	assert.NotEmpty(t, archives, "活动文件滚动产生归档")

	out, err := l.Query(Filter{Command: "bulk", Limit: 500})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

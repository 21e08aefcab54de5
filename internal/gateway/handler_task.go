package gateway

import (
	"encoding/json"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/scheduler"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (g *Gateway) cmdListSyncTasks(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var out []model.SyncTask
	err := g.store.Tasks.Read(func(f *model.TaskFile) error {
		out = append(out, f.Tasks...)
		return nil
	})
	return out, err
}

type createTaskPayload struct {
	Name              string   `json:"name" validate:"required"`
	Direction         string   `json:"direction" validate:"required,oneof=cloud_to_local local_to_cloud bidirectional"`
	GroupID           string   `json:"group_id"`
	TenantID          string   `json:"tenant_id" validate:"required"`
	RemoteFolderToken string   `json:"remote_folder_token" validate:"required"`
	RemoteLabel       string   `json:"remote_label"`
	LocalPath         string   `json:"local_path" validate:"required"`
	Schedule          string   `json:"schedule" validate:"required"`
	Enabled           *bool    `json:"enabled"`
	Detection         string   `json:"detection" validate:"omitempty,oneof=metadata size_mtime checksum"`
	Conflict          string   `json:"conflict" validate:"omitempty,oneof=newest prefer_local prefer_remote"`
	PropagateDelete   *bool    `json:"propagate_delete"`
	IncludePatterns   []string `json:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns"`
	Notes             string   `json:"notes"`
}

func (g *Gateway) cmdCreateSyncTask(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p createTaskPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.registry.GetTenant(p.TenantID); err != nil {
		return nil, err
	}
	if p.GroupID != "" {
		if _, err := g.registry.GetGroup(p.GroupID); err != nil {
			return nil, err
		}
	}
	normalized, err := scheduler.ValidateSchedule(p.Schedule)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := model.SyncTask{
		ID:                uuid.NewString(),
		Name:              p.Name,
		Direction:         model.SyncDirection(p.Direction),
		GroupID:           p.GroupID,
		TenantID:          p.TenantID,
		RemoteFolderToken: p.RemoteFolderToken,
		RemoteLabel:       p.RemoteLabel,
		LocalPath:         p.LocalPath,
		Schedule:          normalized,
		Enabled:           true,
		Detection:         model.DetectionSizeMtime,
		Conflict:          model.ConflictNewest,
		PropagateDelete:   true,
		IncludePatterns:   p.IncludePatterns,
		ExcludePatterns:   p.ExcludePatterns,
		Notes:             p.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastStatus:        model.TaskIdle,
	}
	if p.Enabled != nil {
		task.Enabled = *p.Enabled
	}
	if p.Detection != "" {
		task.Detection = model.DetectionMode(p.Detection)
	}
	if p.Conflict != "" {
		task.Conflict = model.ConflictStrategy(p.Conflict)
	}
	if p.PropagateDelete != nil {
		task.PropagateDelete = *p.PropagateDelete
	}
	if task.Enabled {
		next, err := scheduler.ComputeNext(task.Schedule, now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = next
		task.LastStatus = model.TaskScheduled
	}

	err = g.store.Tasks.Update(func(f *model.TaskFile) error {
		f.Tasks = append(f.Tasks, task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.scheduler.Kick()
	return task, nil
}

type updateTaskPayload struct {
	TaskID            string    `json:"task_id" validate:"required"`
	Name              *string   `json:"name"`
	Direction         *string   `json:"direction" validate:"omitempty,oneof=cloud_to_local local_to_cloud bidirectional"`
	GroupID           *string   `json:"group_id"`
	TenantID          *string   `json:"tenant_id"`
	RemoteFolderToken *string   `json:"remote_folder_token"`
	RemoteLabel       *string   `json:"remote_label"`
	LocalPath         *string   `json:"local_path"`
	Schedule          *string   `json:"schedule"`
	Enabled           *bool     `json:"enabled"`
	Detection         *string   `json:"detection" validate:"omitempty,oneof=metadata size_mtime checksum"`
	Conflict          *string   `json:"conflict" validate:"omitempty,oneof=newest prefer_local prefer_remote"`
	PropagateDelete   *bool     `json:"propagate_delete"`
	IncludePatterns   *[]string `json:"include_patterns"`
	ExcludePatterns   *[]string `json:"exclude_patterns"`
	Notes             *string   `json:"notes"`
}

func (g *Gateway) cmdUpdateSyncTask(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p updateTaskPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	var normalized string
	if p.Schedule != nil {
		var err error
		normalized, err = scheduler.ValidateSchedule(*p.Schedule)
		if err != nil {
			return nil, err
		}
	}
	if p.TenantID != nil {
		if _, err := g.registry.GetTenant(*p.TenantID); err != nil {
			return nil, err
		}
	}

	var updated model.SyncTask
	snapshotReset := ""
	err := g.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if t.ID != p.TaskID {
				continue
			}
			if t.LastStatus == model.TaskRunning {
				return code.New(code.Conflict, "task is running, try again later")
			}
			if p.Name != nil {
				t.Name = *p.Name
			}
			if p.Direction != nil && model.SyncDirection(*p.Direction) != t.Direction {
				t.Direction = model.SyncDirection(*p.Direction)
				snapshotReset = "sync direction changed, snapshot reset"
			}
			if p.GroupID != nil {
				t.GroupID = *p.GroupID
			}
			if p.TenantID != nil && *p.TenantID != t.TenantID {
				t.TenantID = *p.TenantID
				snapshotReset = "tenant changed, snapshot reset"
			}
			if p.RemoteFolderToken != nil && *p.RemoteFolderToken != t.RemoteFolderToken {
				t.RemoteFolderToken = *p.RemoteFolderToken
				snapshotReset = "remote folder changed, snapshot reset"
			}
			if p.RemoteLabel != nil {
				t.RemoteLabel = *p.RemoteLabel
			}
			if p.LocalPath != nil && *p.LocalPath != t.LocalPath {
				t.LocalPath = *p.LocalPath
				snapshotReset = "local path changed, snapshot reset"
			}
			if p.Schedule != nil {
				t.Schedule = normalized
			}
			if p.Enabled != nil {
				t.Enabled = *p.Enabled
			}
			if p.Detection != nil {
				t.Detection = model.DetectionMode(*p.Detection)
			}
			if p.Conflict != nil {
				t.Conflict = model.ConflictStrategy(*p.Conflict)
			}
			if p.PropagateDelete != nil {
				t.PropagateDelete = *p.PropagateDelete
			}
			if p.IncludePatterns != nil {
				t.IncludePatterns = *p.IncludePatterns
			}
			if p.ExcludePatterns != nil {
				t.ExcludePatterns = *p.ExcludePatterns
			}
			if p.Notes != nil {
				t.Notes = *p.Notes
			}
			t.UpdatedAt = time.Now().UTC()
			if snapshotReset != "" {
				t.LastMessage = snapshotReset
			}
			if t.Enabled {
				next, nerr := scheduler.ComputeNext(t.Schedule, time.Now())
				if nerr != nil {
					return nerr
				}
				t.NextRunAt = next
			} else {
				t.NextRunAt = nil
			}
			updated = *t
			return nil
		}
		return code.Newf(code.NotFound, "task %s not found", p.TaskID)
	})
	if err != nil {
		return nil, err
	}
	if snapshotReset != "" {
		if err := g.store.Snapshots.Delete(p.TaskID); err != nil {
			g.logger.Warn("snapshot reset failed")
		}
	}
	g.scheduler.Kick()
	return updated, nil
}

type taskIDPayload struct {
	TaskID string `json:"task_id" validate:"required"`
}

func (g *Gateway) cmdDeleteSyncTask(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p taskIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	err := g.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == p.TaskID {
				if f.Tasks[i].LastStatus == model.TaskRunning {
					return code.New(code.Conflict, "task is running, try again later")
				}
				f.Tasks = append(f.Tasks[:i], f.Tasks[i+1:]...)
				return nil
			}
		}
		return code.Newf(code.NotFound, "task %s not found", p.TaskID)
	})
	if err != nil {
		return nil, err
	}
	if err := g.store.Snapshots.Delete(p.TaskID); err != nil {
		g.logger.Warn("delete snapshot failed")
	}
	g.scheduler.Kick()
	return gin.H{"removed": p.TaskID}, nil
}

// cmdTriggerSyncTask 立即执行一次任务，同步等待结果
func (g *Gateway) cmdTriggerSyncTask(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p taskIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	runErr := g.scheduler.Execute(c.Request.Context(), p.TaskID)

	var final *model.SyncTask
	if err := g.store.Tasks.Read(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == p.TaskID {
				t := f.Tasks[i]
				final = &t
				return nil
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if final == nil {
		return nil, code.Newf(code.NotFound, "task %s not found", p.TaskID)
	}
	if runErr != nil && code.Is(runErr, code.Conflict) {
		return nil, runErr
	}
	return final, nil
}

type syncLogPayload struct {
	TaskID string `json:"task_id" validate:"required"`
	Limit  int    `json:"limit"`
}

func (g *Gateway) cmdListSyncLogs(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p syncLogPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	return g.runner.ListLogs(p.TaskID, p.Limit)
}

package lark

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"
)

const listPageSize = 200

type fileNode struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	ParentToken  string `json:"parent_token"`
	Size         int64  `json:"size,omitempty"`
	ModifiedTime string `json:"modified_time"`
}

type listFilesData struct {
	Files         []fileNode `json:"files"`
	HasMore       bool       `json:"has_more"`
	NextPageToken string     `json:"next_page_token"`
}

func (n *fileNode) toEntry() backend.Entry {
	e := backend.Entry{
		Token:       n.Token,
		Name:        n.Name,
		Type:        n.Type,
		ParentToken: n.ParentToken,
		Size:        n.Size,
	}
	if sec, err := strconv.ParseInt(n.ModifiedTime, 10, 64); err == nil && sec > 0 {
		e.MTime = time.Unix(sec, 0).UTC()
	}
	return e
}

// ListRoot 返回根目录 token 及其下节点
func (d *Drive) ListRoot(ctx context.Context, t *model.Tenant) (string, []backend.Entry, error) {
	var meta struct {
		Token string `json:"token"`
	}
	if err := d.doJSON(ctx, t, "GET", "/open-apis/drive/explorer/v2/root_folder/meta", nil, &meta); err != nil {
		return "", nil, err
	}
	entries, err := d.ListFolder(ctx, t, meta.Token)
	if err != nil {
		return "", nil, err
	}
	return meta.Token, entries, nil
}

// ListFolder 分页列出文件夹下全部节点
func (d *Drive) ListFolder(ctx context.Context, t *model.Tenant, folderToken string) ([]backend.Entry, error) {
	var entries []backend.Entry
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("folder_token", folderToken)
		q.Set("page_size", strconv.Itoa(listPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var data listFilesData
		if err := d.doJSON(ctx, t, "GET", "/open-apis/drive/v1/files?"+q.Encode(), nil, &data); err != nil {
			return nil, err
		}
		for i := range data.Files {
			entries = append(entries, data.Files[i].toEntry())
		}
		if !data.HasMore || data.NextPageToken == "" {
			break
		}
		pageToken = data.NextPageToken
	}
	return entries, nil
}

// Metadata 查询单个节点元数据
func (d *Drive) Metadata(ctx context.Context, t *model.Tenant, token string) (backend.Metadata, error) {
	payload := map[string]any{
		"request_docs": []map[string]string{
			{"doc_token": token, "doc_type": "file"},
		},
		"with_url": false,
	}
	var data struct {
		Metas []struct {
			Size             int64  `json:"size"`
			LatestModifyTime string `json:"latest_modify_time"`
			Checksum         string `json:"checksum,omitempty"`
		} `json:"metas"`
	}
	if err := d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/metas/batch_query", payload, &data); err != nil {
		return backend.Metadata{}, err
	}
	if len(data.Metas) == 0 {
		return backend.Metadata{}, code.Newf(code.NotFound, "no metadata for token %s", token)
	}
	m := backend.Metadata{
		Size:     data.Metas[0].Size,
		Checksum: data.Metas[0].Checksum,
	}
	if sec, err := strconv.ParseInt(data.Metas[0].LatestModifyTime, 10, 64); err == nil && sec > 0 {
		m.MTime = time.Unix(sec, 0).UTC()
	}
	return m, nil
}

// CreateFolder 在父目录下创建文件夹
func (d *Drive) CreateFolder(ctx context.Context, t *model.Tenant, parentToken, name string) (string, error) {
	payload := map[string]string{
		"name":         name,
		"folder_token": parentToken,
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/create_folder", payload, &data); err != nil {
		return "", err
	}
	return data.Token, nil
}

// Move 移动节点到新父目录
func (d *Drive) Move(ctx context.Context, t *model.Tenant, token, entryType, newParent string) error {
	payload := map[string]string{
		"type":         entryType,
		"folder_token": newParent,
	}
	return d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/"+token+"/move", payload, nil)
}

// Copy 复制节点
func (d *Drive) Copy(ctx context.Context, t *model.Tenant, token, entryType, newParent, newName string) (string, error) {
	payload := map[string]string{
		"name":         newName,
		"type":         entryType,
		"folder_token": newParent,
	}
	var data struct {
		File struct {
			Token string `json:"token"`
		} `json:"file"`
	}
	if err := d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/"+token+"/copy", payload, &data); err != nil {
		return "", err
	}
	return data.File.Token, nil
}

// Rename 重命名节点
func (d *Drive) Rename(ctx context.Context, t *model.Tenant, token, entryType, newName string) error {
	payload := map[string]string{
		"name": newName,
		"type": entryType,
	}
	return d.doJSON(ctx, t, "PATCH", "/open-apis/drive/v1/files/"+token, payload, nil)
}

// Delete 删除节点
func (d *Drive) Delete(ctx context.Context, t *model.Tenant, token, entryType string) error {
	q := url.Values{}
	q.Set("type", entryType)
	return d.doJSON(ctx, t, "DELETE", "/open-apis/drive/v1/files/"+token+"?"+q.Encode(), nil, nil)
}

// Quota 开放平台不提供云盘配额查询
func (d *Drive) Quota(ctx context.Context, t *model.Tenant) (backend.Quota, error) {
	return backend.Quota{}, backend.ErrQuotaUnsupported
}

package gateway

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"

	"github.com/gin-gonic/gin"
)

// searchResultCap 模糊搜索返回条数上限
const searchResultCap = 200

type listRootPayload struct {
	// TenantID 指定单租户，空值聚合范围内全部租户
	TenantID string `json:"tenant_id"`
}

func (g *Gateway) cmdListRootEntries(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p listRootPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if p.TenantID != "" {
		t, err := g.requireTenant(scope, p.TenantID)
		if err != nil {
			return nil, err
		}
		be, err := g.backendsOf(&t)
		if err != nil {
			return nil, err
		}
		root, entries, err := be.ListRoot(c.Request.Context(), &t)
		if err != nil {
			return nil, err
		}
		return gin.H{"root_token": root, "entries": entries}, nil
	}
	listings, err := g.registry.AggregatedRoot(c.Request.Context(), scope)
	if err != nil {
		return nil, err
	}
	return gin.H{"tenants": listings}, nil
}

type listFolderPayload struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	FolderToken string `json:"folder_token" validate:"required"`
}

func (g *Gateway) cmdListFolderEntries(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p listFolderPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	return be.ListFolder(c.Request.Context(), &t, p.FolderToken)
}

type searchPayload struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Keyword  string `json:"keyword" validate:"required"`
	RootName string `json:"root_name"`
}

// SearchHit 搜索命中
type SearchHit struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Path  string `json:"path"`
}

// cmdSearchEntries 从租户根目录向下做名称子串搜索
func (g *Gateway) cmdSearchEntries(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p searchPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}

	rootName := p.RootName
	if rootName == "" {
		rootName = "Root"
	}
	rootToken, _, err := be.ListRoot(c.Request.Context(), &t)
	if err != nil {
		return nil, err
	}

	keyword := strings.ToLower(p.Keyword)
	var hits []SearchHit

	type frame struct {
		token   string
		display string
	}
	stack := []frame{{token: rootToken, display: rootName}}
	for len(stack) > 0 && len(hits) < searchResultCap {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := be.ListFolder(c.Request.Context(), &t, f.token)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entry := entries[i]
			display := path.Join(f.display, entry.Name)
			if strings.Contains(strings.ToLower(entry.Name), keyword) {
				hits = append(hits, SearchHit{
					Token: entry.Token,
					Name:  entry.Name,
					Type:  entry.Type,
					Path:  strings.ReplaceAll(display, "/", " / "),
				})
				if len(hits) >= searchResultCap {
					break
				}
			}
			if entry.IsFolder() {
				stack = append(stack, frame{token: entry.Token, display: display})
			}
		}
	}
	return hits, nil
}

// backendsOf 取租户的后端实现
func (g *Gateway) backendsOf(t *model.Tenant) (backend.Backend, error) {
	return g.backends.Select(t)
}

package gateway

import (
	"encoding/json"

	"github.com/haierkeys/feisync-service/internal/registry"

	"github.com/gin-gonic/gin"
)

func (g *Gateway) cmdListGroups(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	return g.registry.ListGroups()
}

type addGroupPayload struct {
	Name      string   `json:"name" validate:"required"`
	Remark    string   `json:"remark"`
	TenantIDs []string `json:"tenant_ids"`
}

func (g *Gateway) cmdAddGroup(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p addGroupPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	return g.registry.AddGroup(p.Name, p.Remark, p.TenantIDs)
}

type updateGroupPayload struct {
	GroupID   string    `json:"group_id" validate:"required"`
	Name      *string   `json:"name"`
	Remark    *string   `json:"remark"`
	TenantIDs *[]string `json:"tenant_ids"`
}

func (g *Gateway) cmdUpdateGroup(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p updateGroupPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	return g.registry.UpdateGroup(p.GroupID, registry.UpdateGroupParams{
		Name:      p.Name,
		Remark:    p.Remark,
		TenantIDs: p.TenantIDs,
	})
}

type groupIDPayload struct {
	GroupID string `json:"group_id" validate:"required"`
}

func (g *Gateway) cmdDeleteGroup(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if err := g.registry.DeleteGroup(p.GroupID); err != nil {
		return nil, err
	}
	return gin.H{"removed": p.GroupID}, nil
}

func (g *Gateway) cmdRegenerateGroupKey(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	return g.registry.RegenerateGroupKey(p.GroupID)
}

// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

// Package guard provides the tenant authentication middleware for the REST
// boundary. Every authenticated route resolves the tenant from a bearer
// API key.
package guard

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
)

const tenantContextKey = "soundcast-tenant"

// TenantAuth validates the Authorization bearer token against the tenants
// table and stores the tenant on the request context.
func TenantAuth(logger commons.Logger, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var tenant entity.Tenant
		if err := db.Where("api_key = ?", token).First(&tenant).Error; err != nil {
			logger.Debugw("tenant auth failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Set(tenantContextKey, &tenant)
		c.Next()
	}
}

// CurrentTenant returns the tenant resolved by TenantAuth.
func CurrentTenant(c *gin.Context) *entity.Tenant {
	v, ok := c.Get(tenantContextKey)
	if !ok {
		return nil
	}
	return v.(*entity.Tenant)
}

// RoomBySlug loads a room scoped to the authenticated tenant. Responds 404
// and aborts when the room is absent or owned by another tenant.
func RoomBySlug(c *gin.Context, db *gorm.DB) (*entity.Room, bool) {
	tenant := CurrentTenant(c)
	if tenant == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}
	var room entity.Room
	if err := db.Where("slug = ? AND tenant_id = ?", c.Param("slug"), tenant.ID).First(&room).Error; err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	}
	return &room, true
}

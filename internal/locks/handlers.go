package locks

import (
	"github.com/gin-gonic/gin"

	"github.com/Themath93/stock-manager-sub000/internal/types"
	"github.com/Themath93/stock-manager-sub000/pkg/response"
)

// GinHandlers contains HTTP handlers for lock inspection and operator
// intervention.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListLocksHandler handles GET requests for the current lease table.
func (h *GinHandlers) ListLocksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := h.service.List(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		now := h.service.now()
		out := make([]types.LockResponse, 0, len(all))
		for i := range all {
			lock := &all[i]
			out = append(out, types.LockResponse{
				ResourceKey:     lock.ResourceKey,
				HolderID:        lock.HolderID,
				AcquiredAt:      lock.AcquiredAt,
				ExpiresAt:       lock.ExpiresAt,
				LastHeartbeatAt: lock.LastHeartbeatAt,
				LeaseVersion:    lock.LeaseVersion,
				Expired:         lock.ExpiredAt(now),
			})
		}
		response.Success(c, out)
	}
}

// ForceReleaseHandler handles POST requests to release a lease regardless of
// TTL. Operator-only; requires the holder ID to guard against releasing a
// lease that moved since the operator looked.
func (h *GinHandlers) ForceReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceKey := c.Param("resource_key")
		if resourceKey == "" {
			response.BadRequest(c, "resource_key is required")
			return
		}

		var body struct {
			HolderID string `json:"holder_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		released, err := h.service.Release(c.Request.Context(), resourceKey, body.HolderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if !released {
			response.NotFound(c, "no lease owned by that holder")
			return
		}
		response.Success(c, gin.H{"released": resourceKey})
	}
}

// CleanupHandler handles POST requests to run an immediate expired-lease
// sweep.
func (h *GinHandlers) CleanupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := h.service.CleanupExpired(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"reclaimed": count})
	}
}

package lifecycle

import (
	"github.com/gin-gonic/gin"

	"github.com/Themath93/stock-manager-sub000/internal/types"
	"github.com/Themath93/stock-manager-sub000/pkg/response"
)

// GinHandlers contains HTTP handlers for worker fleet inspection.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListWorkersHandler handles GET requests for the current worker fleet.
func (h *GinHandlers) ListWorkersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := h.service.List(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		out := make([]types.WorkerResponse, 0, len(all))
		for i := range all {
			record := &all[i]
			out = append(out, types.WorkerResponse{
				WorkerID:        record.WorkerID,
				Status:          record.Status,
				HeldSymbol:      record.HeldSymbol,
				StartedAt:       record.StartedAt,
				LastHeartbeatAt: record.LastHeartbeatAt,
			})
		}
		response.Success(c, out)
	}
}

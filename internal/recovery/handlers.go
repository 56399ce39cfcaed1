package recovery

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Themath93/stock-manager-sub000/internal/types"
	"github.com/Themath93/stock-manager-sub000/pkg/response"
)

// GinHandlers contains HTTP handlers for the reconciliation audit trail.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListRecordsHandler handles GET requests for recent reconciliation
// findings. Query parameter: limit (default 100).
func (h *GinHandlers) ListRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		records, err := h.service.Records(c.Request.Context(), limit)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		out := make([]types.RecoveryResponse, 0, len(records))
		for i := range records {
			record := &records[i]
			out = append(out, types.RecoveryResponse{
				Kind:      record.Kind,
				OrderID:   record.OrderID,
				Symbol:    record.Symbol,
				Action:    record.Action,
				Detail:    record.Detail,
				Timestamp: record.Timestamp,
			})
		}
		response.Success(c, out)
	}
}

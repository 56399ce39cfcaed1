package orders

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/Themath93/stock-manager-sub000/pkg/response"
)

// GinHandlers contains HTTP handlers for order inspection.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetOrderHandler handles GET requests to retrieve an order with its fills.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.Get(c.Request.Context(), orderID)
		if errors.Is(err, ErrOrderNotFound) {
			response.NotFound(c, "Order not found")
			return
		}
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		fills, err := h.service.Fills(c.Request.Context(), orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{
			"order": order,
			"fills": fills,
		})
	}
}

// ListOpenOrdersHandler handles GET requests for every order still open
// broker-side (SENT or PARTIAL).
func (h *GinHandlers) ListOpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		open, err := h.service.OpenOrders(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, open)
	}
}

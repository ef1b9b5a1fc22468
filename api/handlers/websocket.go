package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compose-paas/backend/internal/ws"
)

// TicketIssuer hands out one-time credentials for the WebSocket handshake.
type TicketIssuer interface {
	Issue(userID string) (string, time.Time)
}

// WebSocketHandler upgrades connections to the messenger protocol.
type WebSocketHandler struct {
	messenger *ws.Messenger
	tickets   TicketIssuer
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(messenger *ws.Messenger, tickets TicketIssuer) *WebSocketHandler {
	return &WebSocketHandler{
		messenger: messenger,
		tickets:   tickets,
	}
}

// TicketResponse carries a one-time WebSocket credential.
type TicketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresAt string `json:"expires_at"`
}

// Connect handles GET /api/ws. Clients authenticate inside the protocol.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.messenger.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader already wrote the response.
		return
	}
}

// Ticket handles POST /api/ws-ticket - issues a one-time credential for the
// authenticated user.
func (h *WebSocketHandler) Ticket(c *gin.Context) {
	ticket, expires := h.tickets.Issue(getUserID(c))
	c.JSON(http.StatusCreated, TicketResponse{
		Ticket:    ticket,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}

// RegisterRoutes registers the WebSocket endpoint. It must not sit behind
// AuthMiddleware.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}

// RegisterTicketRoute registers the ticket endpoint on an authenticated group.
func (h *WebSocketHandler) RegisterTicketRoute(rg *gin.RouterGroup) {
	rg.POST("/ws-ticket", h.Ticket)
}

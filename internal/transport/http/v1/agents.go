package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/paychat/internal/domain"
)

// RegisterAgent registers pricing and payout for an agent.
// POST /v1/agents/register
func (h *Handler) RegisterAgent(c echo.Context) error {
	var req domain.AgentRegisterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}
	if req.PayoutAddress == "" {
		return badRequest(c, "payout_address is required")
	}

	agent, err := h.service.RegisterAgent(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":            true,
		"agent":         agent,
		"registered_at": agent.CreatedAt.UnixMilli(),
	})
}

// ListAgents lists all registered agents.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.service.ListAgents(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// GetEarnings returns lifetime earnings for an agent payout address.
// GET /v1/agents/:agent_id/earnings/:recipient
func (h *Handler) GetEarnings(c echo.Context) error {
	earnings, err := h.service.GetEarnings(c.Request().Context(), c.Param("agent_id"), c.Param("recipient"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agent_id":   earnings.AgentID,
		"recipient":  earnings.Recipient,
		"earned":     earnings.Earned,
		"settled":    earnings.Settled,
		"pending":    earnings.Pending(),
		"updated_at": earnings.UpdatedAt,
	})
}

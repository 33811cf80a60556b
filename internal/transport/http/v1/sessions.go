package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/paychat/internal/domain"
)

var (
	errInvalidBody   = errors.New("invalid request body")
	errPayerRequired = errors.New("payer is required")
)

// OpenSession opens a metered session from a signed authorization.
// POST /v1/sessions
func (h *Handler) OpenSession(c echo.Context) error {
	var req domain.OpenSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Signature.Value == "" {
		return badRequest(c, "signature is required")
	}

	session, err := h.service.OpenSession(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns a session's ledger state.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// SendMessage sends one metered message to the session's agent.
// POST /v1/sessions/:session_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Payer) == "" {
		return badRequest(c, "payer is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return badRequest(c, "content is required")
	}

	result, err := h.service.SendMessage(c.Request().Context(), c.Param("session_id"), req.Payer, req.Content)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetSessionMessages retrieves messages for a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	var afterSeq int64
	if a := c.QueryParam("after_seq"); a != "" {
		if val, err := strconv.ParseInt(a, 10, 64); err == nil && val > 0 {
			afterSeq = val
		}
	}

	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), limit, afterSeq)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"has_more": len(messages) == limit,
	})
}

// Settle settles the session's unsettled usage. A rolled back settlement
// responds 502 with the result body.
// POST /v1/sessions/:session_id/settle
func (h *Handler) Settle(c echo.Context) error {
	payer, err := bindPayer(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.Settle(c.Request().Context(), c.Param("session_id"), payer)
	if err != nil {
		return writeError(c, err)
	}
	if !result.OK {
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}

// CloseSession closes a fully settled session.
// POST /v1/sessions/:session_id/close
func (h *Handler) CloseSession(c echo.Context) error {
	payer, err := bindPayer(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	session, err := h.service.CloseSession(c.Request().Context(), c.Param("session_id"), payer)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

func bindPayer(c echo.Context) (string, error) {
	var req domain.PayerRequest
	if err := c.Bind(&req); err != nil {
		return "", errInvalidBody
	}
	if strings.TrimSpace(req.Payer) == "" {
		return "", errPayerRequired
	}
	return req.Payer, nil
}

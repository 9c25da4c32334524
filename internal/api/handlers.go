package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/db/repo"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/manager"
	"github.com/lablup/baisched/internal/schederr"
)

// Handler contains the HTTP handlers backing the northbound operations
// named in the external interfaces, thin enough that every method just
// binds a request, calls manager.Core, and maps the result/error to JSON.
type Handler struct {
	core   manager.Core
	logger *logging.Logger
}

// NewHandler creates a Handler over a manager.Core.
func NewHandler(core manager.Core, log *logging.Logger) *Handler {
	return &Handler{core: core, logger: log.WithFields(zap.String("component", "api"))}
}

// statusForKind maps the scheduler's error taxonomy onto HTTP status codes.
func statusForKind(err error) int {
	switch schederr.KindOf(err) {
	case schederr.KindValidation:
		return http.StatusBadRequest
	case schederr.KindCapacity:
		return http.StatusServiceUnavailable
	case schederr.KindTransient:
		return http.StatusGatewayTimeout
	case schederr.KindPermanent:
		return http.StatusUnprocessableEntity
	case schederr.KindInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondErr(c *gin.Context, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	status := statusForKind(err)
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

func toResultResponse(r manager.Result) ResultResponse {
	return ResultResponse{SessionID: r.SessionID, Status: string(r.Status), Seq: r.Seq}
}

// EnqueueSession handles POST /sessions.
func (h *Handler) EnqueueSession(c *gin.Context) {
	var req EnqueueSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	result, err := h.core.EnqueueSession(c.Request.Context(), req.toDomain())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResultResponse(result))
}

// Cancel handles POST /sessions/:sessionId/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	result, err := h.core.Cancel(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(result))
}

// Destroy handles DELETE /sessions/:sessionId.
func (h *Handler) Destroy(c *gin.Context) {
	result, err := h.core.Destroy(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(result))
}

// Restart handles POST /sessions/:sessionId/restart.
func (h *Handler) Restart(c *gin.Context) {
	result, err := h.core.Restart(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(result))
}

// Interrupt handles POST /sessions/:sessionId/interrupt.
func (h *Handler) Interrupt(c *gin.Context) {
	var req InterruptRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.core.Interrupt(c.Request.Context(), c.Param("sessionId"), req.RunID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "interrupted"})
}

// Exec handles POST /sessions/:sessionId/exec, streaming the kernel's
// output back as raw chunks, each written and flushed as it arrives.
func (h *Handler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	sessionID := c.Param("sessionId")
	output, err := h.core.Exec(c.Request.Context(), sessionID, req.RunID, req.Mode, req.Code)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "application/octet-stream")
	flusher, canFlush := c.Writer.(http.Flusher)
	for chunk := range output {
		if _, err := c.Writer.Write(chunk); err != nil {
			h.logger.Error("exec stream write failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// QuerySession handles GET /sessions/:sessionId.
func (h *Handler) QuerySession(c *gin.Context) {
	sess, err := h.core.QuerySession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// MatchSessions handles GET /sessions?keypair=&resource_group=&status=.
func (h *Handler) MatchSessions(c *gin.Context) {
	filter := repo.SessionFilter{
		Keypair:       c.Query("keypair"),
		ResourceGroup: c.Query("resource_group"),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = domain.SessionStatus(status)
	}
	sessions, err := h.core.MatchSessions(c.Request.Context(), filter)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

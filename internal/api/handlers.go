package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyweave/internal/auth"
	"storyweave/internal/gateway"
	"storyweave/internal/models"
	"storyweave/internal/responder"
	"storyweave/internal/service/history"
	"storyweave/internal/service/scenario"
	"storyweave/internal/session"
)

// Handler wires HTTP routes to the scenario services, the session engine
// and the turn responder.
type Handler struct {
	scenarios *scenario.Service
	history   *history.Service
	auth      *auth.Service
	sessions  *session.Manager
	responder *responder.Service
	limiters  *limiterPool
}

// NewHandler constructs a Handler instance.
func NewHandler(scenarios *scenario.Service, hist *history.Service, authService *auth.Service, sessions *session.Manager, resp *responder.Service, sendRPS float64, sendBurst int) *Handler {
	return &Handler{
		scenarios: scenarios,
		history:   hist,
		auth:      authService,
		sessions:  sessions,
		responder: resp,
		limiters:  newLimiterPool(sendRPS, sendBurst),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	// Turn-processing surface; driven by the engine's gateway client.
	api.POST("/chat", h.chat)
	api.POST("/instances/:id/initialize", h.initializeInstance)

	authMW := h.auth.Middleware()
	authed := api.Group("")
	authed.Use(authMW)
	authed.POST("/users/logout", h.logoutUser)
	authed.POST("/scenarios", h.createScenario)
	authed.GET("/scenarios", h.listScenarios)
	authed.POST("/scenarios/:id/instances", h.createInstance)
	authed.GET("/instances/:id", h.getInstance)
	authed.GET("/instances/:id/messages", h.getMessages)
	authed.POST("/instances/:id/open", h.openSession)
	authed.DELETE("/instances/:id/session", h.closeSession)
	authed.POST("/instances/:id/send", h.sendMessage)
	authed.GET("/instances/:id/stream", h.streamSession)
	authed.POST("/instances/:id/skip", h.skipMessage)
	authed.POST("/instances/:id/skip-all", h.skipAll)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// ownedInstance loads the instance and verifies the caller owns it.
func (h *Handler) ownedInstance(c *gin.Context, userID int64) (*models.ScenarioInstance, bool) {
	instanceID, ok := pathID(c)
	if !ok {
		return nil, false
	}
	inst, err := h.scenarios.GetInstance(c.Request.Context(), instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if inst.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "instance belongs to another user"})
		return nil, false
	}
	return inst, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.scenarios.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.scenarios.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	c.Status(http.StatusNoContent)
}

type scenarioRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	OpeningPrompt string `json:"opening_prompt"`
}

func (h *Handler) createScenario(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sc, err := h.scenarios.CreateScenario(c.Request.Context(), models.Scenario{
		Title:         req.Title,
		Description:   req.Description,
		OpeningPrompt: req.OpeningPrompt,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (h *Handler) listScenarios(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	list, err := h.scenarios.ListScenarios(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]models.Scenario, 0)
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": list})
}

func (h *Handler) createInstance(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	scenarioID, ok := pathID(c)
	if !ok {
		return
	}
	inst, err := h.scenarios.CreateInstance(c.Request.Context(), scenarioID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scenario not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handler) getInstance(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) getMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}
	messages, count, err := h.history.FetchAll(c.Request.Context(), inst.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": count})
}

// openSession brings the instance live: history is loaded, a fresh
// instance gets seeded, the push feed attaches, and playback starts.
func (h *Handler) openSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	s, err := h.sessions.Open(c.Request.Context(), instanceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	messages, typing, inst := s.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"instance":   inst,
		"scenario":   s.Scenario(),
		"messages":   messages,
		"typing":     typing,
		"connection": s.ConnectionState().String(),
	})
}

func (h *Handler) closeSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}
	h.sessions.Close(inst.ID)
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Content string      `json:"content"`
	Mode    models.Mode `json:"mode"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	if !h.limiters.allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages, slow down"})
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.sessions.Send(c.Request.Context(), instanceID, userID, req.Content, req.Mode)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

type skipRequest struct {
	MessageID int64 `json:"message_id"`
}

func (h *Handler) skipMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}
	s := h.sessions.Get(inst.ID)
	if s == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no open session"})
		return
	}
	var req skipRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}
	s.Skip(req.MessageID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) skipAll(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}
	s := h.sessions.Get(inst.ID)
	if s == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no open session"})
		return
	}
	s.SkipAll()
	c.Status(http.StatusNoContent)
}

// chat accepts a user turn for processing. The response carries no
// conversation content; produced messages travel through the push feed.
func (h *Handler) chat(c *gin.Context) {
	var req gateway.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.responder.Accept(c.Request.Context(), req); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) initializeInstance(c *gin.Context) {
	instanceID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.responder.Initialize(c.Request.Context(), instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "initialized"})
}

// Package http wires the REST API, static assets and the websocket
// signaling endpoint into one gin router.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/adapters/signal"
	"github.com/dkeye/intercom/internal/app/coord"
	"github.com/dkeye/intercom/internal/config"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
	"github.com/dkeye/intercom/internal/store"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type API struct {
	Store   *store.Store
	Coord   *coord.Coordinator
	Gateway core.GatewayClient
}

func SetupRouter(ctx context.Context, cfg *config.Config, api *API) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("IntercomSessions", sessStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	wsCtl := signal.NewController(api.Coord, cfg)

	g := r.Group("/api")

	g.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		wsCtl.HandleSignal(ctx, c)
	})

	g.GET("/productions", api.listProductions)
	g.POST("/productions", api.createProduction)
	g.GET("/productions/:id", api.getProduction)
	g.PUT("/productions/:id", api.renameProduction)
	g.DELETE("/productions/:id", api.deleteProduction)
	g.GET("/access/:code", api.productionByCode)

	g.GET("/productions/:id/groups", api.listGroups)
	g.POST("/productions/:id/groups", api.createGroup)
	g.PUT("/groups/:id", api.updateGroup)
	g.DELETE("/groups/:id", api.deleteGroup)

	g.GET("/gateway/rooms", api.listGatewayRooms)

	return r
}

// -------------------------
// Productions
// -------------------------

func (a *API) listProductions(c *gin.Context) {
	out, err := a.Store.ListProductions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) createProduction(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		AccessCode string `json:"accessCode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AccessCode == "" {
		req.AccessCode = strings.Split(uuid.NewString(), "-")[0]
	}
	p, err := a.Store.CreateProduction(c.Request.Context(), req.Name, req.AccessCode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *API) getProduction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := a.Store.ProductionByID(c.Request.Context(), domain.ProductionID(id))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) productionByCode(c *gin.Context) {
	p, err := a.Store.ProductionByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) renameProduction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pid := domain.ProductionID(id)
	if err := a.Store.RenameProduction(c.Request.Context(), pid, req.Name); err != nil {
		fail(c, err)
		return
	}
	a.Coord.BroadcastProductionUpdated(pid)
	c.Status(http.StatusNoContent)
}

// deleteProduction removes the record and tears down the gateway rooms of
// its groups. Room destruction is best-effort: a dead gateway must not make
// the record undeletable.
func (a *API) deleteProduction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	pid := domain.ProductionID(id)
	groups, err := a.Store.GroupsByProduction(c.Request.Context(), pid)
	if err != nil {
		fail(c, err)
		return
	}
	if err := a.Store.DeleteProduction(c.Request.Context(), pid); err != nil {
		fail(c, err)
		return
	}
	for _, g := range groups {
		if err := a.Gateway.DestroyRoom(c.Request.Context(), g.RoomID); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Int64("room", int64(g.RoomID)).Msg("room destroy failed")
		}
	}
	c.Status(http.StatusNoContent)
}

// -------------------------
// Groups
// -------------------------

func (a *API) listGroups(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := a.Store.GroupsByProduction(c.Request.Context(), domain.ProductionID(id))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) createGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Name     string                `json:"name" binding:"required"`
		Type     domain.GroupType      `json:"type"`
		Settings *domain.GroupSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = domain.GroupIntercom
	}
	settings := domain.DefaultGroupSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	g, err := a.Store.CreateGroup(c.Request.Context(), domain.ProductionID(id), req.Name, req.Type, settings)
	if err != nil {
		fail(c, err)
		return
	}

	if err := a.Gateway.CreateRoom(c.Request.Context(), g.RoomID, g.RoomDescription()); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Int64("room", int64(g.RoomID)).
			Msg("room create failed, synchronizer will retry on reconnect")
	}

	a.Coord.BroadcastGroupUpdated(g.ProductionID, g.ID)
	c.JSON(http.StatusCreated, g)
}

func (a *API) updateGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	gid := domain.GroupID(id)
	var req struct {
		Name     string                `json:"name" binding:"required"`
		Settings *domain.GroupSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cur, err := a.Store.GroupByID(c.Request.Context(), gid)
	if err != nil {
		fail(c, err)
		return
	}
	settings := cur.Settings
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := a.Store.UpdateGroup(c.Request.Context(), gid, req.Name, settings); err != nil {
		fail(c, err)
		return
	}
	a.Coord.BroadcastGroupUpdated(cur.ProductionID, gid)
	c.Status(http.StatusNoContent)
}

func (a *API) deleteGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	gid := domain.GroupID(id)
	cur, err := a.Store.GroupByID(c.Request.Context(), gid)
	if err != nil {
		fail(c, err)
		return
	}
	if err := a.Store.DeleteGroup(c.Request.Context(), gid); err != nil {
		fail(c, err)
		return
	}
	if err := a.Gateway.DestroyRoom(c.Request.Context(), cur.RoomID); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Int64("room", int64(cur.RoomID)).Msg("room destroy failed")
	}
	a.Coord.BroadcastGroupUpdated(cur.ProductionID, gid)
	c.Status(http.StatusNoContent)
}

// -------------------------
// Gateway
// -------------------------

func (a *API) listGatewayRooms(c *gin.Context) {
	rooms, err := a.Gateway.ListRooms(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": a.Gateway.Connected(), "rooms": rooms})
}

// -------------------------
// helpers
// -------------------------

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad id"})
		return 0, false
	}
	return id, true
}

func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, core.ErrGatewayUnavailable), errors.Is(err, core.ErrGatewayTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dkeye/ClinicCall/internal/adapters/signal"
	"github.com/dkeye/ClinicCall/internal/app/orch"
	"github.com/dkeye/ClinicCall/internal/config"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags each browser with a device token. It is only
// logged; identity comes from register-user or the auth token.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			session.Set("ct", token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Orch     *orch.Orchestrator
	Records  core.RecordStore
	Gatherer prometheus.Gatherer
	Auth     *Authenticator
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ClinicSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}

	r.GET("/healthz", func(c *gin.Context) {
		code, status, storeState := http.StatusOK, "ok", "disabled"
		if p, ok := deps.Records.(pinger); ok {
			storeState = "ok"
			if err := p.Ping(c.Request.Context()); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("record store ping")
				code, status, storeState = http.StatusServiceUnavailable, "degraded", "down"
			}
		}
		c.JSON(code, gin.H{
			"status":   status,
			"store":    storeState,
			"sessions": deps.Orch.Registry.Count(),
			"rooms":    deps.Orch.Rooms.Count(),
			"calls":    deps.Orch.Ledger.Count(),
		})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("auth", deps.Auth != nil).Msg("router setup")

	api := r.Group("/api", deps.Auth.Middleware())

	ctrl := signal.NewSignalWSController(deps.Orch, signal.Options{
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		PongWait:      cfg.PongWait,
		SendBuffer:    cfg.SendBuffer,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Orch.Rooms.List()})
	})

	api.GET("/calls/records", func(c *gin.Context) {
		listRecords(c, deps.Records)
	})

	return r
}

func listRecords(c *gin.Context, records core.RecordStore) {
	if records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store disabled"})
		return
	}
	raw := c.Query("user")
	pinned := c.GetString(signal.IdentityKey)
	if raw == "" {
		raw = pinned
	}
	uid, err := domain.ParseUserID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user: " + err.Error()})
		return
	}
	if pinned != "" && string(uid) != pinned {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := records.ListByUser(c.Request.Context(), uid, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("user", string(uid)).Msg("list call records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if recs == nil {
		recs = []domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

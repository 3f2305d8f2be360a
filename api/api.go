package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cache"
	"github.com/gin-contrib/cache/persistence"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
)

type Config struct {
	Addr      string        `yaml:"addr" env:"API_ADDR" env-default:":8080"`
	RateLimit int64         `yaml:"rateLimit" env:"API_RATE_LIMIT" env-default:"60" env-description:"Requests per minute per client"`
	CacheTTL  time.Duration `yaml:"cacheTTL" env:"API_CACHE_TTL" env-default:"1m"`
}

type Store interface {
	ListValidators() ([]db.Validator, error)
	GetValidator(stash string) (*db.Validator, error)
	ListRankHistory(stash string) ([]db.RankEntry, error)
	ListChats() ([]db.Chat, error)
	GetLastEra() (uint64, error)
	GetLastRewardBlock() (uint64, error)
}

type Api struct {
	db      Store
	network network.Network
	cfg     Config
	logger  *zap.Logger
}

func New(logger *zap.Logger, db Store, net network.Network, cfg Config) *Api {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Api{
		db:      db,
		network: net,
		cfg:     cfg,
		logger:  logger.With(zap.String("who", "api")),
	}
}

func (api *Api) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// metrics stay outside the rate limit so scrapers are never throttled
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rate := limiter.Rate{
		Limit:  api.cfg.RateLimit,
		Period: time.Minute,
	}
	limit := limiter.New(memory.NewStore(), rate)

	cacheStore := persistence.NewInMemoryStore(api.cfg.CacheTTL)

	group := router.Group("/api", ginlimiter.NewMiddleware(limit))
	group.GET("/validators", cache.CachePage(cacheStore, api.cfg.CacheTTL, api.GetValidators))
	group.GET("/validators/:stash", cache.CachePage(cacheStore, api.cfg.CacheTTL, api.GetValidator))
	group.GET("/status", api.GetStatus)
	return router
}

// Start serves until ctx is done.
func (api *Api) Start(ctx context.Context) error {
	srv := &http.Server{Addr: api.cfg.Addr, Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	api.logger.Info("Starting server", zap.String("addr", api.cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "error starting server")
	}
	return nil
}

// validatorView is the public form of a validator, without subscriber ids.
type validatorView struct {
	Stash              string            `json:"stash"`
	Name               string            `json:"name"`
	Rank               int64             `json:"rank"`
	Valid              bool              `json:"valid"`
	Validity           []db.ValidityItem `json:"validity,omitempty"`
	Active             bool              `json:"active"`
	Commission         string            `json:"commission"`
	Controller         string            `json:"controller"`
	OnlineSince        int64             `json:"onlineSince"`
	OfflineSince       int64             `json:"offlineSince"`
	OfflineAccumulated int64             `json:"offlineAccumulated"`
	Faults             int64             `json:"faults"`
	Location           string            `json:"location"`
	Version            string            `json:"version"`
	Subscribers        int               `json:"subscribers"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func newValidatorView(v *db.Validator) validatorView {
	return validatorView{
		Stash:              v.Stash,
		Name:               v.Name,
		Rank:               v.Rank,
		Valid:              v.Valid,
		Validity:           v.Validity,
		Active:             v.Active,
		Commission:         v.Commission,
		Controller:         v.Controller,
		OnlineSince:        v.OnlineSince,
		OfflineSince:       v.OfflineSince,
		OfflineAccumulated: v.OfflineAccumulated,
		Faults:             v.Faults,
		Location:           v.Location,
		Version:            v.Version,
		Subscribers:        len(v.ChatIDs),
		UpdatedAt:          v.UpdatedAt,
	}
}

func (api *Api) GetValidators(c *gin.Context) {
	validators, err := api.db.ListValidators()
	if err != nil {
		api.logger.Error("Error getting validators", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	views := make([]validatorView, 0, len(validators))
	for i := range validators {
		views = append(views, newValidatorView(&validators[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"validators": views,
		"metadata": gin.H{
			"count":   len(views),
			"network": api.network.Name,
		},
	})
}

func (api *Api) GetValidator(c *gin.Context) {
	stash := c.Param("stash")
	if stash == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "stash is required"})
		return
	}
	v, err := api.db.GetValidator(stash)
	if errors.Is(err, db.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "validator not found"})
		return
	}
	if err != nil {
		api.logger.Error("Error getting validator", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	history, err := api.db.ListRankHistory(stash)
	if err != nil {
		api.logger.Error("Error getting rank history", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"validator":   newValidatorView(v),
		"rankHistory": history,
	})
}

func (api *Api) GetStatus(c *gin.Context) {
	validators, err := api.db.ListValidators()
	if err != nil {
		api.logger.Error("Error getting validators", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	chats, err := api.db.ListChats()
	if err != nil {
		api.logger.Error("Error getting chats", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	era, err := api.db.GetLastEra()
	if err != nil {
		api.logger.Error("Error getting era", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	rewardBlock, err := api.db.GetLastRewardBlock()
	if err != nil {
		api.logger.Error("Error getting reward watermark", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"network":         api.network.Name,
		"era":             era,
		"lastRewardBlock": rewardBlock,
		"validators":      len(validators),
		"chats":           len(chats),
	})
}

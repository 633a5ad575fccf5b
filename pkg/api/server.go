package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/config"
	"github.com/plfanzen/backend/pkg/ledger"
	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/metrics"
	"github.com/plfanzen/backend/pkg/types"
)

// Waker is the reconciler's wake-up surface. Handlers never wait for
// convergence; they mutate the ledger, poke the reconciler and return.
type Waker interface {
	Wake()
}

// Syncer is the git syncer surface used by the manual sync endpoint
// and the health handlers.
type Syncer interface {
	Sync(ctx context.Context) (bool, error)
	Status() (head string, lastSync time.Time, loadErrors []string)
}

// Server is the control RPC surface consumed by the player-facing API
// service. All calls are thin: validate against the definition store,
// mutate the ledger, wake the reconciler.
type Server struct {
	echo       *echo.Echo
	store      *challenges.Store
	ledger     *ledger.Ledger
	reconciler Waker
	syncer     Syncer
	cfg        config.Config
	logger     zerolog.Logger
}

// NewServer wires the control API
func NewServer(store *challenges.Store, l *ledger.Ledger, rec Waker, syncer Syncer, cfg config.Config) *Server {
	s := &Server{
		echo:       echo.New(),
		store:      store,
		ledger:     l,
		reconciler: rec,
		syncer:     syncer,
		cfg:        cfg,
		logger:     log.WithComponent("api"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(s.requestLogger())

	s.echo.POST("/v1/instances", s.handleStartInstance)
	s.echo.GET("/v1/instances/:team_id/:challenge_id", s.handleGetInstance)
	s.echo.DELETE("/v1/instances/:team_id/:challenge_id", s.handleStopInstance)
	s.echo.GET("/v1/teams/:team_id/instances", s.handleListInstances)

	s.echo.GET("/v1/challenges", s.handleListChallenges)
	s.echo.POST("/v1/challenges/:challenge_id/check-flag", s.handleCheckFlag)

	s.echo.POST("/v1/sync", s.handleSync)

	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return s
}

// Start serves the control API until Shutdown is called
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("Control API listening")
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routed handler for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("request_id", v.RequestID).
				Int("status", v.Status).
				Str("method", v.Method).
				Str("uri", v.URI).
				Err(v.Error).
				Msg("Request")
			metrics.APIRequestsTotal.WithLabelValues(c.Path(), strconv.Itoa(v.Status)).Inc()
			return nil
		},
	})
}

func (s *Server) handleStartInstance(c echo.Context) error {
	var req StartInstanceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
	}
	if req.TeamID == "" || req.ChallengeID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "team_id and challenge_id are required"})
	}

	def, err := s.store.Get(req.ChallengeID)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown challenge " + req.ChallengeID})
	}

	key := types.InstanceKey{TeamID: req.TeamID, ChallengeID: req.ChallengeID}

	ttl := s.cfg.ClampTTL(time.Duration(req.TTLSeconds) * time.Second)
	entry, err := s.ledger.SetDesired(key, def.Hash, ttl, s.cfg.MaxInstancesPerTeam)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrConflict):
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		case errors.Is(err, types.ErrLimitExceeded):
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
		default:
			s.logger.Error().Err(err).Str("instance", key.String()).Msg("Failed to record start request")
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to record start request"})
		}
	}

	s.reconciler.Wake()
	return c.JSON(http.StatusCreated, toInstancePayload(entry, s.store))
}

func (s *Server) handleStopInstance(c echo.Context) error {
	key := types.InstanceKey{
		TeamID:      c.Param("team_id"),
		ChallengeID: c.Param("challenge_id"),
	}

	if err := s.ledger.ClearDesired(key); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no such instance"})
		}
		s.logger.Error().Err(err).Str("instance", key.String()).Msg("Failed to record stop request")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to record stop request"})
	}

	s.reconciler.Wake()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetInstance(c echo.Context) error {
	key := types.InstanceKey{
		TeamID:      c.Param("team_id"),
		ChallengeID: c.Param("challenge_id"),
	}

	entry, err := s.ledger.Get(key)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no such instance"})
	}
	return c.JSON(http.StatusOK, toInstancePayload(entry, s.store))
}

func (s *Server) handleListInstances(c echo.Context) error {
	teamID := c.Param("team_id")

	resp := InstanceListResponse{Instances: []InstancePayload{}}
	for key, entry := range s.ledger.Snapshot() {
		if key.TeamID != teamID {
			continue
		}
		resp.Instances = append(resp.Instances, toInstancePayload(entry, s.store))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListChallenges(c echo.Context) error {
	resp := ChallengeListResponse{Challenges: []ChallengePayload{}}
	for _, def := range s.store.List() {
		ports := make([]int, 0, len(def.Ports))
		for _, p := range def.Ports {
			ports = append(ports, p.Port)
		}
		resp.Challenges = append(resp.Challenges, ChallengePayload{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Categories:  def.Categories,
			Difficulty:  def.Difficulty,
			Ports:       ports,
			Hash:        def.Hash,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckFlag(c echo.Context) error {
	def, err := s.store.Get(c.Param("challenge_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown challenge"})
	}

	var req CheckFlagRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
	}

	correct := subtle.ConstantTimeCompare([]byte(req.Flag), []byte(def.Flag)) == 1
	return c.JSON(http.StatusOK, CheckFlagResponse{Correct: correct})
}

func (s *Server) handleSync(c echo.Context) error {
	changed, err := s.syncer.Sync(c.Request().Context())
	if err != nil {
		// Previous definitions stay serviceable; report the failure
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, SyncResponse{Changed: changed})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Challenges: s.store.Len()})
}

func (s *Server) handleReadyz(c echo.Context) error {
	head, lastSync, loadErrs := s.syncer.Status()
	resp := HealthResponse{
		Status:       "ok",
		GitHead:      head,
		Challenges:   s.store.Len(),
		ManifestErrs: len(loadErrs),
	}
	if !lastSync.IsZero() {
		resp.LastSyncAge = time.Since(lastSync).Round(time.Second).String()
	}
	if lastSync.IsZero() {
		resp.Status = "waiting for first sync"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

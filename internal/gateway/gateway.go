// Package gateway exposes the client operations over HTTP for presentation
// and automation callers. It is a thin surface: every request is validated
// and executed by the client facade, and protocol errors map to stable
// machine-readable kinds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/do/v2"

	"github.com/Simlowker/RPC-game-sub000/internal/client"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// Service is the HTTP gateway.
type Service struct {
	client *client.Client
	echo   *echo.Echo
	listen string
}

// NewService wires the gateway from the injector: the client facade plus the
// named "listen" address.
func NewService(i do.Injector) (*Service, error) {
	c, err := do.Invoke[*client.Client](i)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve client: %w", err)
	}
	listen := do.MustInvokeNamed[string](i, "listen")

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${id} ${remote_ip} ${status} ${method} ${path} ${error} ${latency_human}\n",
	}))
	e.Use(middleware.Recover())

	s := &Service{client: c, echo: e, listen: listen}

	api := e.Group("/api")
	api.GET("/balance", s.getBalance)
	api.GET("/matches", s.listMatches)
	api.POST("/matches", s.createMatch)
	api.POST("/matches/:id/join", s.joinMatch)
	api.POST("/matches/:id/reveal", s.revealChoice)
	api.POST("/matches/:id/settle", s.settleMatch)
	api.POST("/matches/:id/cancel", s.cancelMatch)
	api.POST("/matches/:id/timeout", s.claimTimeout)

	return s, nil
}

func (s *Service) Start() error {
	err := s.echo.Start(s.listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start gateway: %w", err)
	}
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return nil
}

type errorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// writeError maps the protocol taxonomy onto HTTP statuses. No error is
// silently dropped; unknown errors surface as 500s with their message.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	kind := string(match.KindOf(err))
	switch match.KindOf(err) {
	case match.KindPrecondition:
		status = http.StatusConflict
	case match.KindSecretUnavailable:
		status = http.StatusGone
	case match.KindCommitmentMismatch:
		status = http.StatusInternalServerError
	case match.KindLedgerTransient:
		status = http.StatusBadGateway
	case match.KindLedgerRejected:
		status = http.StatusBadGateway
	default:
		if errors.Is(err, ledger.ErrNotFound) {
			status = http.StatusNotFound
			kind = "notFound"
		} else {
			kind = "internal"
		}
	}
	return c.JSON(status, errorBody{Kind: kind, Reason: err.Error()})
}

func (s *Service) getBalance(c echo.Context) error {
	bal, err := s.client.Balance(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"address": s.client.Address(),
		"balance": bal,
	})
}

func (s *Service) listMatches(c echo.Context) error {
	out, err := s.client.DisplayableMatches(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type createMatchRequest struct {
	BetAmount        uint64  `json:"betAmount"`
	Choice           string  `json:"choice"`
	JoinWindowSecs   int64   `json:"joinWindowSecs"`
	RevealWindowSecs int64   `json:"revealWindowSecs"`
	FeeBps           uint32  `json:"feeBps"`
	TokenMint        *string `json:"tokenMint,omitempty"`
}

func (s *Service) createMatch(c echo.Context) error {
	var req createMatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "badRequest", Reason: err.Error()})
	}
	choice, err := match.ChoiceFromName(req.Choice)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "badRequest", Reason: err.Error()})
	}
	matchID, err := s.client.CreateMatch(c.Request().Context(), client.CreateMatchParams{
		BetAmount:    req.BetAmount,
		Choice:       choice,
		TokenMint:    req.TokenMint,
		JoinWindow:   secs(req.JoinWindowSecs),
		RevealWindow: secs(req.RevealWindowSecs),
		FeeBps:       req.FeeBps,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"matchId": matchID})
}

type joinMatchRequest struct {
	Choice string `json:"choice"`
}

func (s *Service) joinMatch(c echo.Context) error {
	var req joinMatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "badRequest", Reason: err.Error()})
	}
	choice, err := match.ChoiceFromName(req.Choice)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "badRequest", Reason: err.Error()})
	}
	if err := s.client.JoinMatch(c.Request().Context(), c.Param("id"), choice); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) revealChoice(c echo.Context) error {
	if err := s.client.RevealChoice(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) settleMatch(c echo.Context) error {
	if err := s.client.SettleMatch(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) cancelMatch(c echo.Context) error {
	if err := s.client.CancelMatch(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) claimTimeout(c echo.Context) error {
	if err := s.client.ClaimTimeout(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func secs(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// Package server exposes decoder-stack sessions over HTTP.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/fusedllm/internal/attention"
	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

type Server struct {
	stack  *block.Stack
	tuning config.Tuning
	store  *SessionStore
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(stack *block.Stack, tuning config.Tuning, log logger.Logger) *Server {
	return &Server{
		stack:  stack,
		tuning: tuning,
		store:  NewSessionStore(),
		log:    logger.OrNop(log),
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/config", s.handleConfig)

	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleForward)
	e.POST("/v1/sessions/:id/reorder", s.handleReorder)
	e.POST("/v1/sessions/:id/reset", s.handleReset)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, ConfigResponse{
		Model:     s.stack.Config(),
		Tuning:    s.tuning,
		WorldSize: 1,
		Sessions:  s.store.Len(),
	})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req := CreateSessionRequest{}
	if c.Request().ContentLength != 0 {
		var err error
		if req, err = decodeJSON[CreateSessionRequest](c.Request().Body); err != nil && !errors.Is(err, io.EOF) {
			return writeBadRequest(c, err.Error())
		}
	}
	indirect := req.Indirect == nil || *req.Indirect
	ss := s.stack.NewSession(indirect)
	s.store.Put(ss)
	s.log.Info("session created", "id", ss.ID().String(), "indirect", indirect)
	return c.JSON(http.StatusOK, sessionResponse(ss))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	ss, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sessionResponse(ss))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	s.log.Info("session deleted", "id", id)
	return c.JSON(http.StatusOK, DeleteSessionResponse{ID: id, Object: "session", Deleted: true})
}

func (s *Server) handleForward(c *echo.Context) error {
	ss, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	cfg := s.stack.Config()
	hidden, err := tensor.FromSlice(cfg.DType, req.Hidden.Data, req.Hidden.Shape...)
	if err != nil {
		return writeBadRequest(c, "hidden: "+err.Error())
	}
	var mask *tensor.Tensor
	if req.Mask != nil {
		if mask, err = tensor.FromSlice(dtype.F32, req.Mask.Data, req.Mask.Shape...); err != nil {
			return writeBadRequest(c, "mask: "+err.Error())
		}
	}

	start := s.clock()
	out, err := ss.Step(c.Request().Context(), hidden, mask)
	if err != nil {
		return writeComputeError(c, err)
	}
	s.log.Debug("forward", "id", ss.ID().String(), "shape", hidden.Shape(), "took", s.clock().Sub(start))
	return c.JSON(http.StatusOK, ForwardResponse{
		ID:     ss.ID().String(),
		Object: "session.forward",
		Hidden: TensorDTO{Shape: out.Shape(), Data: out.Data()},
		SeqLen: ss.SeqLen(),
		Steps:  ss.Steps(),
	})
}

func (s *Server) handleReorder(c *echo.Context) error {
	ss, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[ReorderRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := ss.Reorder(req.Parents); err != nil {
		return writeComputeError(c, err)
	}
	return c.JSON(http.StatusOK, sessionResponse(ss))
}

func (s *Server) handleReset(c *echo.Context) error {
	ss, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	ss.Reset()
	return c.JSON(http.StatusOK, sessionResponse(ss))
}

func sessionResponse(ss *block.Session) SessionResponse {
	return SessionResponse{
		ID:        ss.ID().String(),
		Object:    "session",
		CreatedAt: ss.Created().Unix(),
		Indirect:  ss.Indirect(),
		SeqLen:    ss.SeqLen(),
		Steps:     ss.Steps(),
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

// writeComputeError maps caller mistakes to 400 and the rest to 500.
func writeComputeError(c *echo.Context, err error) error {
	for _, target := range []error{
		kernels.ErrShape, tensor.ErrShape, attention.ErrShape, dtype.ErrUnsupported, kvcache.ErrCacheTuple,
	} {
		if errors.Is(err, target) {
			return writeBadRequest(c, err.Error())
		}
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{"error": ErrorBody{Message: msg, Type: errType}})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

package server

import (
	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/config"
)

type CreateSessionRequest struct {
	// Indirect selects the preallocated beam-indexed cache. Defaults to
	// true.
	Indirect *bool `json:"indirect,omitempty"`
}

type SessionResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Indirect  bool   `json:"indirect"`
	SeqLen    int    `json:"seq_len"`
	Steps     int    `json:"steps"`
}

// TensorDTO is a dense tensor in row-major order.
type TensorDTO struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type ForwardRequest struct {
	Hidden TensorDTO  `json:"hidden"`
	Mask   *TensorDTO `json:"mask,omitempty"`
}

type ForwardResponse struct {
	ID     string    `json:"id"`
	Object string    `json:"object"`
	Hidden TensorDTO `json:"hidden"`
	SeqLen int       `json:"seq_len"`
	Steps  int       `json:"steps"`
}

type ReorderRequest struct {
	Parents []int `json:"parents"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ConfigResponse struct {
	Model     block.Config  `json:"model"`
	Tuning    config.Tuning `json:"tuning"`
	WorldSize int           `json:"world_size"`
	Sessions  int           `json:"sessions"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

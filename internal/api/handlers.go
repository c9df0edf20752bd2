package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/version"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// BlockRequest is the body of POST /api/v1/rules/block.
type BlockRequest struct {
	IP       string `json:"ip"`
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type BlockResponse struct {
	ID string `json:"id"`
}

type AllowRequest struct {
	IP string `json:"ip"`
}

type AllowResponse struct {
	Removed bool `json:"removed"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ListResponse struct {
	Rules []app.RuleView `json:"rules"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.ops.Block(r.Context(), req.IP, req.Duration, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BlockResponse{ID: string(id)})
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req AllowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.ops.Allow(r.Context(), req.IP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllowResponse{Removed: removed})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := s.ops.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Rules: views})
}

func (s *Server) handleProfile(enabled bool) http.HandlerFunc {
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.ops.SetFiltering(r.Context(), enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{Status: status})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ops.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.ops.Export(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImport answers 200 with the result even when some entries failed at
// the backend; the failures are listed in "errors".
// handleImport 即使部分条目在后端失败也返回 200 和结果，失败项列在 "errors" 中。
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, fwerrors.NewFormatError("import too large", err))
			return
		}
		s.writeError(w, r, fwerrors.NewFormatError("read import", err))
		return
	}
	res, err := s.ops.Import(r.Context(), data)
	if err != nil && !fwerrors.IsBackend(err) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

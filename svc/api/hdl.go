package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"pastelink/cfg"
	"pastelink/pkg/domain"
	"pastelink/svc/svc"
	"pastelink/svc/util"
)

const (
	maxFileNameLen  = 255
	maxVerifyBody   = 4 * 1024
	jsonBodyOverrun = 64 * 1024
	rawCacheControl = "public, max-age=604800, immutable"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content   string           `json:"content"`
	Type      domain.PasteType `json:"type,omitempty"`
	Password  string           `json:"password,omitempty"`
	ExpiresIn int64            `json:"expiresIn,omitempty"`
	FileName  string           `json:"fileName,omitempty"`
}

type VerifyReq struct {
	Password string `json:"password"`
}

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type lockedResp struct {
	PasswordRequired bool `json:"passwordRequired"`
}

// maxCreateBody leaves room for JSON escaping on top of the largest content
// either paste type accepts.
func (h *Hdl) maxCreateBody() int64 {
	largest := h.cfg.MaxTextSize
	if img := int64(float64(h.cfg.MaxImageSize) * 1.4); img > largest {
		largest = img
	}
	return largest*2 + jsonBodyOverrun
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			log.Warn().Str("content_type", ct).Msg("invalid Content-Type header")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	}
	limit := h.maxCreateBody()
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrContentRequired, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	paste, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:   req.Content,
		Type:      req.Type,
		Password:  req.Password,
		ExpiresIn: req.ExpiresIn,
		FileName:  req.FileName,
	})
	if err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).Msg("paste rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: paste})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	paste, locked, err := h.paste.GetMetadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if locked {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: lockedResp{PasswordRequired: true}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: paste})
}

// GetRaw serves the paste body itself, so errors are plain text rather than
// the JSON envelope.
func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	raw, err := h.paste.GetRaw(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := domain.Status(err)
		if status >= 500 {
			util.Error().Err(err).Str("request_id", requestID).Msg("raw request failed")
		}
		http.Error(w, domain.Message(err), status)
		return
	}
	w.Header().Set("Cache-Control", rawCacheControl)
	w.Header().Set("Content-Type", raw.ContentType)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; style-src 'unsafe-inline'; sandbox")
	if name := sanitizeFileName(raw.FileName); name != "" {
		w.Header().Set("Content-Disposition", `inline; filename="`+name+`"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(raw.Body)
}

func (h *Hdl) VerifyPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBody)
	var req VerifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	paste, err := h.paste.Verify(r.Context(), id, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: paste})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeJSON(w, statusCode, envelope{
		Success:   false,
		Error:     domain.Message(err),
		RequestID: requestID,
	})
}

// sanitizeFileName normalizes to NFC and drops anything that could break out
// of a quoted Content-Disposition filename.
func sanitizeFileName(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(strings.ToValidUTF8(s, ""))
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '"' || r == '\\' || r == '/' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	for len(s) > maxFileNameLen {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}

package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/selection"
	"github.com/joseph-ayodele/invoice-extractor/internal/session"
)

const uploadField = "file"

// sessionScope validates the session path parameter and tags the request
// context and logger with it.
func (s *Server) sessionScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "sessionID")
		if err := common.NewValidator().Field("sessionID", raw, common.UUID).Err(); err != nil {
			s.writeError(w, r, err)
			return
		}
		logger := common.LoggerFromContext(r.Context(), s.logger).With("session_id", raw)
		ctx := common.WithSessionID(r.Context(), raw)
		ctx = common.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	id, err := uuid.Parse(common.SessionIDFromContext(r.Context()))
	if err != nil {
		return nil, common.ValidationErrorf("session id must be a UUID")
	}
	return s.sessions.Get(id)
}

// readUpload pulls the PDF out of a multipart request.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, common.ValidationErrorf("document exceeds %d bytes", s.maxUpload)
		}
		return "", nil, common.ValidationErrorf("expected a multipart upload: %v", err)
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return "", nil, common.ValidationErrorf("missing %q file field", uploadField)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, common.ValidationErrorf("read upload: %v", err)
	}

	name := strings.TrimSpace(header.Filename)
	v := common.NewValidator().
		Field("file", data, common.Required, common.MaxBytes(int(s.maxUpload))).
		Field("filename", name, common.MaxLength(255))
	if name != "" && !constants.IsAllowedUpload(name) {
		return "", nil, common.ValidationErrorf("only PDF documents are accepted")
	}
	if err := v.Err(); err != nil {
		return "", nil, err
	}
	return name, data, nil
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess := s.sessions.Create()
	if err := sess.Upload(name, data); err != nil {
		_ = s.sessions.Delete(sess.ID)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name, data, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sess.Upload(name, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.View())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.Delete(sess.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || n < 1 {
		s.writeError(w, r, common.ValidationErrorf("page must be a positive integer"))
		return
	}
	page, err := sess.Page(n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", page.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(page.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page.Data)
}

type selectionRequest struct {
	Mode       string `json:"mode"`
	Expression string `json:"expression"`
}

// putSelection answers 400 with the summary when the expression is rejected;
// the summary still describes the previously applied selection.
func (s *Server) putSelection(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req selectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mode, ok := constants.ParseSelectionMode(req.Mode)
	if !ok {
		s.writeError(w, r, common.ValidationErrorf("mode must be ALL, INCLUDE or EXCLUDE"))
		return
	}

	summary, err := sess.SetSelection(mode, req.Expression)
	var verr *selection.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.As(err, &verr):
		summary.Error = verr
		writeJSON(w, http.StatusBadRequest, summary)
	default:
		s.writeError(w, r, err)
	}
}

type extractRequest struct {
	Model       string    `json:"model"`
	Fresh       bool      `json:"fresh"`
	CustomRules *[]string `json:"customRules"`
}

func (s *Server) startExtraction(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req extractRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	opts := session.ExtractOptions{Model: strings.TrimSpace(req.Model), Fresh: req.Fresh}
	if req.CustomRules != nil {
		opts.CustomRules = *req.CustomRules
	} else {
		rules, err := s.store.ListRules(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.CustomRules = rules
	}

	if err := sess.Extract(opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.View())
}

func (s *Server) cancelExtraction(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess.Cancel()
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Result())
}

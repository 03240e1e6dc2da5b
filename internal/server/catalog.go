package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
)

const maxRules = 50

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models := llm.DefaultModels()
	if s.models != nil {
		models = s.models.ModelsOrDefault(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type rulesBody struct {
	Rules []string `json:"rules"`
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []string{}
	}
	writeJSON(w, http.StatusOK, rulesBody{Rules: rules})
}

// putRules replaces the custom rule list. Blank rules are dropped.
func (s *Server) putRules(w http.ResponseWriter, r *http.Request) {
	var body rulesBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rules := make([]string, 0, len(body.Rules))
	v := common.NewValidator()
	for i, rule := range body.Rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		v.Field("rules["+strconv.Itoa(i)+"]", rule, common.MaxLength(1000))
		rules = append(rules, rule)
	}
	if len(rules) > maxRules {
		s.writeError(w, r, common.ValidationErrorf("at most %d custom rules are allowed", maxRules))
		return
	}
	if err := v.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.SaveRules(r.Context(), rules); err != nil {
		s.writeError(w, r, err)
		return
	}
	common.LoggerFromContext(r.Context(), s.logger).Info("rules.saved", "count", len(rules))
	writeJSON(w, http.StatusOK, rulesBody{Rules: rules})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, common.ValidationErrorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "runID")
	if err := common.NewValidator().Field("runID", raw, common.UUID).Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := uuid.MustParse(raw)
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

package server

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// exportWorkbook renders whatever the session has extracted so far. Optional
// query params: title, processedBy.
func (s *Server) exportWorkbook(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	title := strings.TrimSpace(q.Get("title"))
	processedBy := strings.TrimSpace(q.Get("processedBy"))
	v := common.NewValidator().
		Field("title", title, common.MaxLength(120)).
		Field("processedBy", processedBy, common.MaxLength(120))
	if err := v.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}

	res := sess.Result()
	var buf bytes.Buffer
	err = s.workbook.WriteTo(&buf, res, export.Meta{
		Title:        title,
		DocumentName: res.DocumentName,
		ProcessedBy:  processedBy,
		GeneratedAt:  time.Now().UTC(),
	})
	if err != nil {
		common.LoggerFromContext(r.Context(), s.logger).Error("export.xlsx.failed", "error", err)
		s.writeError(w, r, common.NewAppError(common.CodeInternal, "could not build workbook", err))
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFileName(res.DocumentName)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// exportFileName derives "<document>-extraction.xlsx" from the uploaded name.
func exportFileName(documentName string) string {
	base := strings.TrimSuffix(filepath.Base(documentName), filepath.Ext(documentName))
	base = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." {
		base = "invoice"
	}
	return base + "-extraction.xlsx"
}

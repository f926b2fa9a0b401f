package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// auditDateLayout は fromDate / toDate クエリパラメータの日付形式。
const auditDateLayout = "2006-01-02"

// AuditReader は監査記録の参照インターフェース。
type AuditReader interface {
	Find(ctx context.Context, id string) (*model.AuditRecord, error)
	FindAll(ctx context.Context, page model.PageRequest) ([]*model.AuditRecord, error)
	FindByPrincipal(ctx context.Context, principal string) ([]*model.AuditRecord, error)
	FindByDates(ctx context.Context, from, to time.Time, page model.PageRequest) ([]*model.AuditRecord, error)
	Count(ctx context.Context) (int, error)
	CountByDates(ctx context.Context, from, to time.Time) (int, error)
}

// AuditHandler は監査記録参照のHTTPハンドラー。
type AuditHandler struct {
	reader AuditReader
}

// NewAuditHandler はAuditHandlerを生成する。
func NewAuditHandler(reader AuditReader) *AuditHandler {
	return &AuditHandler{reader: reader}
}

type auditResponse struct {
	ID        string            `json:"id"`
	Principal string            `json:"principal"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

func toAuditResponse(record *model.AuditRecord) auditResponse {
	data := record.Data
	if data == nil {
		data = map[string]string{}
	}
	return auditResponse{
		ID:        record.ID,
		Principal: record.Principal,
		Type:      record.Type,
		Timestamp: record.Date,
		Data:      data,
	}
}

// ListAudits は監査記録を新しい順に返す。
// GET /management/audits?page=0&size=20
// GET /management/audits?fromDate=2026-01-01&toDate=2026-01-31
// GET /management/audits?principal=admin
//
// fromDate / toDate はUTCの日付で、toDate の当日を含む。
// principal 指定時はその主体の全記録を返し、日付範囲とは併用できない。
func (h *AuditHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	q := r.URL.Query()

	var (
		records []*model.AuditRecord
		total   int
		err     error
	)
	hasDates := q.Has("fromDate") || q.Has("toDate")
	switch {
	case q.Has("principal") && hasDates:
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("principal と fromDate / toDate は同時に指定できません"))
		return
	case q.Has("principal"):
		records, err = h.reader.FindByPrincipal(r.Context(), q.Get("principal"))
		total = len(records)
	case hasDates:
		from, to, ok := parseDateRange(w, q.Get("fromDate"), q.Get("toDate"))
		if !ok {
			return
		}
		if total, err = h.reader.CountByDates(r.Context(), from, to); err == nil {
			records, err = h.reader.FindByDates(r.Context(), from, to, page)
		}
	default:
		if total, err = h.reader.Count(r.Context()); err == nil {
			records, err = h.reader.FindAll(r.Context(), page)
		}
	}
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	results := make([]auditResponse, len(records))
	for i, record := range records {
		results[i] = toAuditResponse(record)
	}
	setTotalCount(w, total)
	writeJSON(w, http.StatusOK, results)
}

// GetAudit はIDで監査記録を返す。
// GET /management/audits/{id}
func (h *AuditHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	record, err := h.reader.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditResponse(record))
}

// parseDateRange は日付範囲を [from 0時, to翌日 0時) に変換する。
func parseDateRange(w http.ResponseWriter, fromDate, toDate string) (time.Time, time.Time, bool) {
	from, err := time.Parse(auditDateLayout, fromDate)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("fromDate は YYYY-MM-DD 形式で指定してください"))
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(auditDateLayout, toDate)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("toDate は YYYY-MM-DD 形式で指定してください"))
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("toDate は fromDate 以降を指定してください"))
		return time.Time{}, time.Time{}, false
	}
	return from, to.AddDate(0, 0, 1), true
}

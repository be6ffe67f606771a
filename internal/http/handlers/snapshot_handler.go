// Snapshot HTTP handlers.
//
//   - POST /snapshots                  (manual trigger, 202)
//   - GET  /snapshots/{id}/runs        (per-currency run rows)
//   - GET  /snapshots/{id}/prices      (prices observed by one run, paginated)
//
// The trigger only schedules work. Clients follow the Location header and
// poll the run rows, which are the durable completion signal.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/http/middleware"
	"github.com/tbourn/go-pricing-history/internal/services"
	"github.com/tbourn/go-pricing-history/internal/utils"
)

// TriggerSnapshotRequest is the optional JSON body of POST /snapshots. Empty
// fields fall back to the current UTC month and the configured currencies.
type TriggerSnapshotRequest struct {
	SnapshotID string   `json:"snapshot_id"`
	Currencies []string `json:"currencies"`
}

// SnapshotRunsResponse lists the runs of one snapshot.
type SnapshotRunsResponse struct {
	SnapshotID string               `json:"snapshot_id"`
	Runs       []domain.SnapshotRun `json:"runs"`
}

// SnapshotPricesResponse wraps a page of observed prices.
type SnapshotPricesResponse struct {
	SnapshotID string               `json:"snapshot_id"`
	Currency   string               `json:"currency"`
	Prices     []domain.PriceRecord `json:"prices"`
	Pagination Pagination           `json:"pagination"`
}

// TriggerSnapshot accepts a manual snapshot. A repeated request carrying the
// same Idempotency-Key gets the original submission back with
// Idempotency-Replayed: true and nothing is scheduled.
func (h *Handlers) TriggerSnapshot(c *gin.Context) {
	var req TriggerSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	sub, replayed, err := h.trigger.Trigger(c.Request.Context(), key, strings.TrimSpace(req.SnapshotID), req.Currencies)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSnapshotID):
			fail(c, http.StatusBadRequest, ErrCodeInvalidSnapshot, err.Error())
		case errors.Is(err, domain.ErrInvalidCurrency), errors.Is(err, services.ErrNoCurrencies):
			fail(c, http.StatusBadRequest, ErrCodeInvalidCurrency, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeTriggerFailed, err.Error())
		}
		return
	}

	middleware.LoggerFrom(c).Info().
		Str("snapshot_id", sub.SnapshotID).
		Strs("currencies", sub.Currencies).
		Bool("replayed", replayed).
		Bool("replay_flagged", middleware.IsReplay(c)).
		Msg("snapshot trigger accepted")
	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	base := strings.TrimSuffix(c.Request.URL.Path, "/")
	c.Header("Location", base+"/"+sub.SnapshotID+"/runs")
	ok(c, http.StatusAccepted, sub)
}

// SnapshotRuns returns every currency run of snapshot {id}.
func (h *Handlers) SnapshotRuns(c *gin.Context) {
	id := c.Param("id")
	runs, err := h.queries.SnapshotRuns(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSnapshotID):
			fail(c, http.StatusBadRequest, ErrCodeInvalidSnapshot, err.Error())
		case errors.Is(err, services.ErrSnapshotNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "snapshot not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, SnapshotRunsResponse{SnapshotID: id, Runs: runs})
}

// SnapshotPrices returns a page of the prices run ({id}, ?currency=) observed.
func (h *Handlers) SnapshotPrices(c *gin.Context) {
	id := c.Param("id")
	currency, okCur := queryCurrency(c)
	if !okCur {
		return
	}
	if currency == "" {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCurrency, "currency query parameter is required")
		return
	}
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	items, total, err := h.queries.SnapshotPrices(c.Request.Context(), id, currency, page, pageSize)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSnapshotID):
			fail(c, http.StatusBadRequest, ErrCodeInvalidSnapshot, err.Error())
		case errors.Is(err, services.ErrSnapshotNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "snapshot run not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, SnapshotPricesResponse{
		SnapshotID: id,
		Currency:   currency,
		Prices:     items,
		Pagination: paginate(page, pageSize, total),
	})
}

// queryCurrency reads and normalizes ?currency=. An invalid code has already
// been answered with 400 when ok is false.
func queryCurrency(c *gin.Context) (string, bool) {
	raw := strings.TrimSpace(c.Query("currency"))
	if raw == "" {
		return "", true
	}
	curs, err := domain.NormalizeCurrencies([]string{raw})
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCurrency, err.Error())
		return "", false
	}
	return curs[0], true
}

func paginate(page, pageSize int, total int64) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

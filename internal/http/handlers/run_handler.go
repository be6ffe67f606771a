// Run and price lookup handlers.
//
//   - GET /runs?snapshot_id=&currency=&status=&page=&page_size=  (ETag support)
//   - GET /prices/{meter_id}?currency=&as_of=                   (version in effect)
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/repo"
	"github.com/tbourn/go-pricing-history/internal/services"
	"github.com/tbourn/go-pricing-history/internal/utils"
)

// ListRunsResponse wraps a page of runs, newest first.
type ListRunsResponse struct {
	Runs       []domain.SnapshotRun `json:"runs"`
	Pagination Pagination           `json:"pagination"`
}

// runFilter parses the query filters. On failure the 400 is already written.
func runFilter(c *gin.Context) (repo.RunFilter, bool) {
	var f repo.RunFilter

	if id := strings.TrimSpace(c.Query("snapshot_id")); id != "" {
		if err := domain.ValidateSnapshotID(id); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeInvalidSnapshot, err.Error())
			return f, false
		}
		f.SnapshotID = id
	}

	cur, okCur := queryCurrency(c)
	if !okCur {
		return f, false
	}
	f.Currency = cur

	if s := strings.ToUpper(strings.TrimSpace(c.Query("status"))); s != "" {
		switch st := domain.RunStatus(s); st {
		case domain.RunStatusRunning, domain.RunStatusSucceeded, domain.RunStatusFailed:
			f.Status = st
		default:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be one of RUNNING, SUCCEEDED, FAILED")
			return f, false
		}
	}
	return f, true
}

// ListRuns returns a page of runs. A weak ETag derived from the matching run
// count and the latest lifecycle timestamp allows 304 revalidation.
func (h *Handlers) ListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	f, okF := runFilter(c)
	if !okF {
		return
	}
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	// ETag pre-check (best effort).
	if count, latest, err := h.queries.RunsStats(ctx, f); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.UnixMicro()
		}
		etag := fmt.Sprintf(`W/"runs:%s:%s:%s:%d:%d"`, f.SnapshotID, f.Currency, f.Status, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.queries.ListRuns(ctx, f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListRunsResponse{Runs: items, Pagination: paginate(page, pageSize, total)})
}

// CurrentPrice returns the version of {meter_id} in effect at ?as_of=
// (RFC 3339, default now) in ?currency=.
func (h *Handlers) CurrentPrice(c *gin.Context) {
	meterID := strings.TrimSpace(c.Param("meter_id"))
	currency, okCur := queryCurrency(c)
	if !okCur {
		return
	}
	if currency == "" {
		fail(c, http.StatusBadRequest, ErrCodeInvalidCurrency, "currency query parameter is required")
		return
	}

	asOf := h.now()
	if raw := c.Query("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = t
	}

	rec, err := h.queries.CurrentPrice(c.Request.Context(), meterID, currency, asOf)
	if err != nil {
		if errors.Is(err, services.ErrPriceNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no price in effect")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, rec)
}

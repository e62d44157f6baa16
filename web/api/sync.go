package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// ApplyOperations handles POST /api/sync/operations
// The hub-side apply procedure: devices push operation batches here.
// Idempotent end to end; resubmitting a batch after a lost response yields
// the same verdicts without double-applying.
func ApplyOperations(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var input struct {
		Operations []models.WireOperation `json:"operations"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if len(input.Operations) == 0 {
		return writeSuccess(ctx, http.StatusOK, models.ApplyOpsResult{OK: true})
	}

	result, err := models.ApplyOperations(userGUID, input.Operations)
	if err != nil {
		logger.LogErr(err, "apply operations failed")
		return writeError(ctx, http.StatusInternalServerError, "failed to apply operations")
	}

	logger.Info("Operations batch applied",
		"count", len(input.Operations),
		"applied", result.Applied,
		"duplicates", result.Duplicates,
		"conflicts", len(result.Conflicts))
	return writeSuccess(ctx, http.StatusOK, result)
}

// GetSnapshot handles GET /api/sync/snapshot
// Returns the full authoritative state for reconciliation.
func GetSnapshot(ctx rweb.Context) error {
	snap, err := models.BuildSnapshot(GetCurrentUserGUID(ctx))
	if err != nil {
		logger.LogErr(err, "failed to build snapshot")
		return writeError(ctx, http.StatusInternalServerError, "failed to build snapshot")
	}
	return writeSuccess(ctx, http.StatusOK, snap)
}

// GetSyncStatus handles GET /api/sync/status
// A cheap convergence probe: state checksum plus anomaly count.
func GetSyncStatus(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	checksum, err := models.StateChecksum(userGUID)
	if err != nil {
		logger.LogErr(err, "failed to compute state checksum")
		return writeError(ctx, http.StatusInternalServerError, "failed to compute checksum")
	}
	anomalies, err := models.CountSequenceAnomalies(userGUID)
	if err != nil {
		logger.LogErr(err, "failed to count anomalies")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"checksum":  checksum,
		"anomalies": anomalies,
	})
}

// ListConflicts handles GET /api/sync/conflicts
// Recent conflict audit records, for operator review of orphaned and
// merged operations.
func ListConflicts(ctx rweb.Context) error {
	limit := 100
	if raw := ctx.Request().QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit parameter")
		}
		limit = parsed
	}

	audits, err := models.ListConflictAudits(GetCurrentUserGUID(ctx), limit)
	if err != nil {
		logger.LogErr(err, "failed to list conflict audits")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, audits)
}

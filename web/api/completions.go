package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"github.com/google/uuid"
)

// ListCompletions handles GET /api/completions
func ListCompletions(ctx rweb.Context) error {
	var listVersion int64
	if raw := ctx.Request().QueryParam("list_version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid list_version parameter")
		}
		listVersion = parsed
	}

	completions, err := models.ListCompletions(GetCurrentUserGUID(ctx), listVersion)
	if err != nil {
		logger.LogErr(err, "failed to list completions")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, completions)
}

// CreateCompletion handles POST /api/completions
// Requires listVersion and index so the completion binds to its address
// even when devices hold different list imports.
func CreateCompletion(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if _, ok := models.PayloadInt64(payload, "listVersion"); !ok {
		return writeError(ctx, http.StatusBadRequest, "listVersion is required")
	}
	if _, ok := models.PayloadInt64(payload, "index"); !ok {
		return writeError(ctx, http.StatusBadRequest, "index is required")
	}
	if outcome, _ := models.PayloadString(payload, "outcome"); outcome == "" {
		return writeError(ctx, http.StatusBadRequest, "outcome is required")
	}
	if guid, _ := models.PayloadString(payload, "guid"); guid == "" {
		payload["guid"] = uuid.New().String()
	}

	return submitAndRespond(ctx, userGUID, models.EntityCompletion, models.ActionCreate, payload, payload)
}

// UpdateCompletion handles PUT /api/completions/:guid
func UpdateCompletion(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetCompletionByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load completion for update")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "completion not found")
	}

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	payload["guid"] = guid
	payload["listVersion"] = existing.ListVersion
	payload["index"] = existing.AddressIndex

	return submitAndRespond(ctx, userGUID, models.EntityCompletion, models.ActionUpdate, payload, payload)
}

// DeleteCompletion handles DELETE /api/completions/:guid
func DeleteCompletion(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetCompletionByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load completion for delete")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "completion not found")
	}

	payload := map[string]any{
		"guid":        guid,
		"listVersion": existing.ListVersion,
		"index":       existing.AddressIndex,
	}
	return submitAndRespond(ctx, userGUID, models.EntityCompletion, models.ActionDelete, payload,
		map[string]interface{}{"deleted": guid})
}

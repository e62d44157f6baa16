package api

import (
	"encoding/json"
	"net/http"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"github.com/google/uuid"
)

// ListArrangements handles GET /api/arrangements
func ListArrangements(ctx rweb.Context) error {
	arrangements, err := models.ListArrangements(GetCurrentUserGUID(ctx))
	if err != nil {
		logger.LogErr(err, "failed to list arrangements")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, arrangements)
}

// CreateArrangement handles POST /api/arrangements
func CreateArrangement(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if date, _ := models.PayloadString(payload, "scheduledDate"); date == "" {
		return writeError(ctx, http.StatusBadRequest, "scheduledDate is required")
	}
	if guid, _ := models.PayloadString(payload, "guid"); guid == "" {
		payload["guid"] = uuid.New().String()
	}
	if _, ok := payload["status"]; !ok {
		payload["status"] = models.ArrangementStatusScheduled
	}

	return submitAndRespond(ctx, userGUID, models.EntityArrangement, models.ActionCreate, payload, payload)
}

// UpdateArrangement handles PUT /api/arrangements/:guid
func UpdateArrangement(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetArrangementByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load arrangement for update")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "arrangement not found")
	}

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	payload["guid"] = guid

	return submitAndRespond(ctx, userGUID, models.EntityArrangement, models.ActionUpdate, payload, payload)
}

// DeleteArrangement handles DELETE /api/arrangements/:guid
func DeleteArrangement(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	payload := map[string]any{"guid": guid}
	return submitAndRespond(ctx, userGUID, models.EntityArrangement, models.ActionDelete, payload,
		map[string]interface{}{"deleted": guid})
}

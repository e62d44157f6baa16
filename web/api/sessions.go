package api

import (
	"encoding/json"
	"net/http"
	"time"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"github.com/google/uuid"
)

// ListSessions handles GET /api/sessions
func ListSessions(ctx rweb.Context) error {
	sessions, err := models.ListDaySessions(GetCurrentUserGUID(ctx))
	if err != nil {
		logger.LogErr(err, "failed to list sessions")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, sessions)
}

// CreateSession handles POST /api/sessions
// Starts a working day. Defaults the date to today and the start time to
// now; a second device starting the same day resolves into one session
// through normal conflict handling.
func CreateSession(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var payload map[string]any
	if len(ctx.Request().Body()) > 0 {
		if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
			return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	now := time.Now()
	if date, _ := models.PayloadString(payload, "date"); date == "" {
		payload["date"] = now.Format("2006-01-02")
	}
	if start, _ := models.PayloadString(payload, "startTime"); start == "" {
		payload["startTime"] = now.Format("15:04:05")
	}
	if _, ok := payload["status"]; !ok {
		payload["status"] = models.SessionStatusActive
	}
	if guid, _ := models.PayloadString(payload, "guid"); guid == "" {
		payload["guid"] = uuid.New().String()
	}

	return submitAndRespond(ctx, userGUID, models.EntitySession, models.ActionCreate, payload, payload)
}

// UpdateSession handles PUT /api/sessions/:guid
// Ending the day is an update setting endTime and status.
func UpdateSession(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetDaySessionByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load session for update")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "session not found")
	}

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	payload["guid"] = guid

	return submitAndRespond(ctx, userGUID, models.EntitySession, models.ActionUpdate, payload, payload)
}

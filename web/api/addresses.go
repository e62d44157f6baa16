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

// ListAddresses handles GET /api/addresses
// Optional query param list_version filters to one imported list.
func ListAddresses(ctx rweb.Context) error {
	var listVersion int64
	if raw := ctx.Request().QueryParam("list_version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid list_version parameter")
		}
		listVersion = parsed
	}

	addresses, err := models.ListAddresses(GetCurrentUserGUID(ctx), listVersion)
	if err != nil {
		logger.LogErr(err, "failed to list addresses")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	return writeSuccess(ctx, http.StatusOK, addresses)
}

// GetAddress handles GET /api/addresses/:guid
func GetAddress(ctx rweb.Context) error {
	addr, err := models.GetAddressByGUID(GetCurrentUserGUID(ctx), ctx.Request().Param("guid"))
	if err != nil {
		logger.LogErr(err, "failed to get address")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if addr == nil {
		return writeError(ctx, http.StatusNotFound, "address not found")
	}
	return writeSuccess(ctx, http.StatusOK, addr)
}

// CreateAddress handles POST /api/addresses
// The body is the address payload; guid is minted when absent.
func CreateAddress(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if addr, _ := models.PayloadString(payload, "fullAddress"); addr == "" {
		return writeError(ctx, http.StatusBadRequest, "fullAddress is required")
	}
	if _, ok := models.PayloadInt64(payload, "index"); !ok {
		return writeError(ctx, http.StatusBadRequest, "index is required")
	}
	if _, ok := models.PayloadInt64(payload, "listVersion"); !ok {
		current, err := models.CurrentListVersion(userGUID)
		if err != nil {
			logger.LogErr(err, "failed to resolve list version")
			return writeError(ctx, http.StatusInternalServerError, "database error")
		}
		if current == 0 {
			current = 1
		}
		payload["listVersion"] = current
	}
	if guid, _ := models.PayloadString(payload, "guid"); guid == "" {
		payload["guid"] = uuid.New().String()
	}

	return submitAndRespond(ctx, userGUID, models.EntityAddress, models.ActionCreate, payload, payload)
}

// UpdateAddress handles PUT /api/addresses/:guid
// The body carries only the changed fields; the scoping key is filled from
// the stored row so the update resolves against the right list entry.
func UpdateAddress(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetAddressByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load address for update")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "address not found")
	}

	var payload map[string]any
	if err := json.Unmarshal(ctx.Request().Body(), &payload); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	payload["guid"] = guid
	payload["listVersion"] = existing.ListVersion
	payload["index"] = existing.ListIndex

	return submitAndRespond(ctx, userGUID, models.EntityAddress, models.ActionUpdate, payload, payload)
}

// DeleteAddress handles DELETE /api/addresses/:guid
func DeleteAddress(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	guid := ctx.Request().Param("guid")

	existing, err := models.GetAddressByGUID(userGUID, guid)
	if err != nil {
		logger.LogErr(err, "failed to load address for delete")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	if existing == nil {
		return writeError(ctx, http.StatusNotFound, "address not found")
	}

	payload := map[string]any{
		"guid":        guid,
		"listVersion": existing.ListVersion,
		"index":       existing.ListIndex,
	}
	return submitAndRespond(ctx, userGUID, models.EntityAddress, models.ActionDelete, payload,
		map[string]interface{}{"deleted": guid})
}

// ImportAddressList handles POST /api/addresses/import
// Installs a new work list as the next list version. Each entry becomes a
// create operation so devices learn about the import through normal sync.
func ImportAddressList(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)

	var input struct {
		Addresses []map[string]any `json:"addresses"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if len(input.Addresses) == 0 {
		return writeError(ctx, http.StatusBadRequest, "addresses list is empty")
	}

	current, err := models.CurrentListVersion(userGUID)
	if err != nil {
		logger.LogErr(err, "failed to resolve list version for import")
		return writeError(ctx, http.StatusInternalServerError, "database error")
	}
	version := current + 1

	imported := 0
	for i, payload := range input.Addresses {
		if addr, _ := models.PayloadString(payload, "fullAddress"); addr == "" {
			continue
		}
		payload["listVersion"] = version
		payload["index"] = int64(i)
		payload["guid"] = uuid.New().String()
		if _, ok := payload["status"]; !ok {
			payload["status"] = models.AddressStatusPending
		}

		result, err := submitOperation(userGUID, models.EntityAddress, models.ActionCreate, payload)
		if err != nil {
			logger.LogErr(err, "import entry failed", "index", strconv.Itoa(i))
			continue
		}
		imported += result.Applied
	}

	logger.Info("Address list imported", "version", version, "imported", imported)
	return writeSuccess(ctx, http.StatusCreated, map[string]interface{}{
		"list_version": version,
		"imported":     imported,
	})
}

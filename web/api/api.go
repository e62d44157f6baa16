// Package api implements the JSON endpoints: auth, entity CRUD, and the
// sync procedures. Every entity mutation flows through the operation
// pipeline so API writes and device writes follow identical rules.
package api

import (
	"net/http"
	gosync "sync"

	"navigator/local"
	"navigator/models"
	syncpkg "navigator/sync"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// APIResponse provides a consistent JSON response structure for all API
// endpoints. Success responses include data, error responses an error
// message.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeSuccess sends a successful JSON response with data.
func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

// writeError sends an error JSON response.
func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// GetCurrentUserGUID returns the authenticated user's GUID, empty if the
// request is unauthenticated.
func GetCurrentUserGUID(ctx rweb.Context) string {
	guid, _ := ctx.Get("user_guid").(string)
	return guid
}

// RequireAuthThen wraps a handler with an authentication check.
func RequireAuthThen(h rweb.Handler) rweb.Handler {
	return func(ctx rweb.Context) error {
		if GetCurrentUserGUID(ctx) == "" {
			return writeError(ctx, http.StatusUnauthorized, "authentication required")
		}
		return h(ctx)
	}
}

// Device-side dependencies, wired at startup. The store and device id are
// always set; the sync client is nil when no upstream is configured.
var (
	deviceStore *local.Store
	deviceID    string
	syncClient  *syncpkg.Client
)

// SetDeviceDeps injects the device store and identity for the API layer.
func SetDeviceDeps(store *local.Store, id string, client *syncpkg.Client) {
	deviceStore = store
	deviceID = id
	syncClient = client
}

// submitMu serializes server-side operation submission so sequence
// allocation and apply are atomic per process.
var submitMu gosync.Mutex

// submitOperation routes one API-originated mutation through the same
// apply pipeline device batches use, under the hub's device identity.
func submitOperation(userGUID string, entity models.EntityKind, action models.ActionKind, payload map[string]any) (models.ApplyOpsResult, error) {
	submitMu.Lock()
	defer submitMu.Unlock()

	seq, err := models.NextDeviceSequence(userGUID, deviceID)
	if err != nil {
		return models.ApplyOpsResult{}, serr.Wrap(err, "failed to allocate sequence")
	}

	op := models.NewOperation(deviceID, seq, entity, action, payload)
	wire, err := op.ToWire(userGUID)
	if err != nil {
		return models.ApplyOpsResult{}, serr.Wrap(err, "failed to encode operation")
	}

	result, err := models.ApplyOperations(userGUID, []models.WireOperation{wire})
	if err != nil {
		return models.ApplyOpsResult{}, serr.Wrap(err, "failed to apply operation")
	}
	return result, nil
}

// submitAndRespond is the shared tail of every mutation handler: submit,
// map the verdict onto an HTTP status, respond.
func submitAndRespond(ctx rweb.Context, userGUID string, entity models.EntityKind, action models.ActionKind, payload map[string]any, successData interface{}) error {
	result, err := submitOperation(userGUID, entity, action, payload)
	if err != nil {
		logger.LogErr(err, "operation submit failed", "entity", string(entity), "action", string(action))
		return writeError(ctx, http.StatusInternalServerError, "failed to apply operation")
	}

	if len(result.Results) == 1 {
		switch result.Results[0].Status {
		case models.OpStatusOrphaned:
			return writeError(ctx, http.StatusConflict, "operation references unresolvable state")
		case models.OpStatusRejected, models.OpStatusQuarantined:
			return writeError(ctx, http.StatusBadRequest, result.Results[0].Error)
		}
	}
	if len(result.Conflicts) > 0 {
		// Applied, but merged against concurrent changes; return the
		// verdict so the caller sees the final state.
		return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
			"result":    successData,
			"conflicts": result.Conflicts,
		})
	}
	return writeSuccess(ctx, http.StatusOK, successData)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// defaultGuardTTL bounds how long a guard lease lives without renewal, so
// a crashed restore can't freeze sync indefinitely.
const defaultGuardTTL = 10 * time.Minute

// GetClientStatus handles GET /api/sync/client/status
// Reports the device-side sync client state: pending queue depth, anomaly
// count, backoff, last error.
func GetClientStatus(ctx rweb.Context) error {
	if syncClient == nil {
		return writeSuccess(ctx, http.StatusOK, map[string]interface{}{"enabled": false})
	}
	return writeSuccess(ctx, http.StatusOK, syncClient.Status())
}

// TriggerSync handles POST /api/sync/client/trigger
// Runs one sync cycle immediately instead of waiting for the interval.
func TriggerSync(ctx rweb.Context) error {
	if syncClient == nil {
		return writeError(ctx, http.StatusConflict, "sync is not configured")
	}

	cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := syncClient.SyncOnce(cctx); err != nil {
		logger.LogErr(err, "manual sync failed")
		return writeError(ctx, http.StatusBadGateway, "sync failed: "+err.Error())
	}
	return writeSuccess(ctx, http.StatusOK, syncClient.Status())
}

// ToggleSync handles POST /api/sync/client/toggle
// Pauses or resumes the sync client at runtime.
// Request body: {"enabled": true} or {"enabled": false}
func ToggleSync(ctx rweb.Context) error {
	if syncClient == nil {
		return writeError(ctx, http.StatusConflict, "sync is not configured")
	}

	var input struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}

	syncClient.SetEnabled(input.Enabled)
	return writeSuccess(ctx, http.StatusOK, syncClient.Status())
}

// AcquireGuard handles POST /api/sync/guard/acquire
// Takes the reconciliation guard before a restore or bulk maintenance so
// snapshots don't install over in-progress work.
func AcquireGuard(ctx rweb.Context) error {
	var input struct {
		Owner   string `json:"owner"`
		Reason  string `json:"reason"`
		TTLSecs int    `json:"ttl_secs"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if input.Owner == "" {
		return writeError(ctx, http.StatusBadRequest, "owner is required")
	}

	ttl := defaultGuardTTL
	if input.TTLSecs > 0 {
		ttl = time.Duration(input.TTLSecs) * time.Second
	}

	acquired, err := deviceStore.AcquireGuard(input.Owner, input.Reason, ttl)
	if err != nil {
		logger.LogErr(err, "guard acquire failed")
		return writeError(ctx, http.StatusInternalServerError, "failed to acquire guard")
	}
	if !acquired {
		holder, _ := deviceStore.GuardHolder()
		ownerName := ""
		if holder != nil {
			ownerName = holder.Owner
		}
		return writeError(ctx, http.StatusConflict, "guard held by "+ownerName)
	}

	logger.Info("Guard acquired", "owner", input.Owner, "reason", input.Reason, "ttl", ttl.String())
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{"acquired": true})
}

// ReleaseGuard handles POST /api/sync/guard/release
// Only the holder can release a live lease.
func ReleaseGuard(ctx rweb.Context) error {
	var input struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if input.Owner == "" {
		return writeError(ctx, http.StatusBadRequest, "owner is required")
	}

	released, err := deviceStore.ReleaseGuard(input.Owner)
	if err != nil {
		logger.LogErr(err, "guard release failed")
		return writeError(ctx, http.StatusInternalServerError, "failed to release guard")
	}
	if !released {
		return writeError(ctx, http.StatusConflict, "guard not held by this owner")
	}

	logger.Info("Guard released", "owner", input.Owner)
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{"released": true})
}

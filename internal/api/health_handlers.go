package api

import (
	"context"
	"net/http"
	"time"

	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/store"
)

type adminHealthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Store     adminHealthStore    `json:"store"`
	Snapshots *adminHealthSnaps   `json:"snapshots,omitempty"`
	Database  adminHealthDatabase `json:"database"`
	Errors    []string            `json:"errors,omitempty"`
}

type adminHealthStore struct {
	Version uint64         `json:"version"`
	Tables  map[string]int `json:"tables"`
}

type adminHealthSnaps struct {
	Count               int64      `json:"count"`
	LatestID            int64      `json:"latest_id"`
	LatestAt            *time.Time `json:"latest_at,omitempty"`
	LatestStoreVersion  uint64     `json:"latest_store_version"`
	UnsavedVersionDelta uint64     `json:"unsaved_version_delta"`
}

type adminHealthDatabase struct {
	Driver          string `json:"driver"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDurationMS  int64  `json:"wait_duration_ms"`
	MaxIdleClosed   int64  `json:"max_idle_closed"`
	MaxLifetime     int64  `json:"max_lifetime_closed"`
	MaxIdleTime     int64  `json:"max_idle_time_closed"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) isPlatformAdmin(r *http.Request) bool {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		return false
	}
	admin := false
	_ = s.st.View(r.Context(), "admin_check", func(tx *store.Tx) error {
		u, ok := tx.Users().Get(p.UserID)
		admin = ok && u.IsAdmin
		return nil
	})
	return admin
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if !s.isPlatformAdmin(r) {
		jsonResponse(w, http.StatusForbidden, envelope{Error: "platform administrator required", ErrorKind: "forbidden"})
		return
	}

	version := s.st.Version()
	resp := adminHealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC(),
		Store: adminHealthStore{
			Version: version,
			Tables:  s.st.Counts(),
		},
		Database: adminHealthDatabase{Driver: "memory"},
	}

	if s.db != nil {
		resp.Database.Driver = "sql"
		stats, err := s.db.SnapshotStats(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "snapshot_stats")
		} else {
			snaps := &adminHealthSnaps{
				Count:              stats.Count,
				LatestID:           stats.LatestID,
				LatestAt:           stats.LatestAt,
				LatestStoreVersion: stats.StoreVersion,
			}
			if version > stats.StoreVersion {
				snaps.UnsavedVersionDelta = version - stats.StoreVersion
			}
			resp.Snapshots = snaps
		}

		pool := s.db.DBStats()
		resp.Database.OpenConnections = pool.OpenConnections
		resp.Database.InUse = pool.InUse
		resp.Database.Idle = pool.Idle
		resp.Database.WaitCount = pool.WaitCount
		resp.Database.WaitDurationMS = pool.WaitDuration.Milliseconds()
		resp.Database.MaxIdleClosed = pool.MaxIdleClosed
		resp.Database.MaxLifetime = pool.MaxLifetimeClosed
		resp.Database.MaxIdleTime = pool.MaxIdleTimeClosed
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

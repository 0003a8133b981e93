package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OccupancyState classifies a station from the point of view of one worker
type OccupancyState string

const (
	// OccupancyFree: nobody holds the station, or the requesting worker does.
	OccupancyFree OccupancyState = "free"
	// OccupancyOccupied: another worker holds it and sent a recent liveness signal.
	OccupancyOccupied OccupancyState = "occupied"
	// OccupancyGrace: the holder went quiet for longer than the soft threshold but is still within the window.
	OccupancyGrace OccupancyState = "grace"
	// OccupancyExpired: the holder's grace window elapsed; the session must be abandoned.
	OccupancyExpired OccupancyState = "expired"
)

// Classify decides the occupancy a session imposes on its station at now.
// Liveness is last_seen_at, falling back to started_at. Both bounds are exclusive:
// a session seen at T expires strictly after T+window.
func Classify(session *models.Session, workerID string, now time.Time, grace GraceConfig) OccupancyState {
	if session == nil || !session.IsActive() {
		return OccupancyFree
	}
	lastSeen := session.LastSeen()
	if now.After(lastSeen.Add(grace.Window)) {
		return OccupancyExpired
	}
	if workerID != "" && session.WorkerID == workerID {
		return OccupancyFree
	}
	if now.After(lastSeen.Add(grace.Soft)) {
		return OccupancyGrace
	}
	return OccupancyOccupied
}

// StationOccupancy is the classification of one station
type StationOccupancy struct {
	StationID      string         `json:"station_id"`
	State          OccupancyState `json:"state"`
	OwnSession     bool           `json:"own_session"`
	SessionID      string         `json:"session_id,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	WorkerName     string         `json:"worker_name,omitempty"`
	LastSeenAt     *time.Time     `json:"last_seen_at,omitempty"`
	GraceExpiresAt *time.Time     `json:"grace_expires_at,omitempty"`
}

// Occupancy classifies each station for workerID. A holder whose grace window elapsed is
// abandoned on the spot and its station reported free.
func (r *Repository) Occupancy(ctx context.Context, stationIDs []string, workerID string) ([]StationOccupancy, *RepositoryError) {
	if len(stationIDs) == 0 {
		return nil, validationError("at least one station id is required")
	}

	result := make([]StationOccupancy, 0, len(stationIDs))
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		if rerr := ensureStationsExist(t.db, stationIDs); rerr != nil {
			return rerr
		}
		for _, stationID := range stationIDs {
			occ, rerr := r.classifyStation(t, stationID, workerID)
			if rerr != nil {
				return rerr
			}
			result = append(result, occ)
		}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

func (r *Repository) classifyStation(t *txn, stationID, workerID string) (StationOccupancy, *RepositoryError) {
	occ := StationOccupancy{StationID: stationID, State: OccupancyFree}

	holder, rerr := stationHolder(t.db, stationID)
	if rerr != nil || holder == nil {
		return occ, rerr
	}

	state := Classify(holder, workerID, t.now, t.grace)
	if state == OccupancyExpired {
		if rerr := r.abandon(t, holder, AbandonExpired); rerr != nil {
			return occ, rerr
		}
		return occ, nil
	}

	lastSeen := holder.LastSeen()
	expires := lastSeen.Add(t.grace.Window)
	occ.State = state
	occ.OwnSession = holder.WorkerID == workerID
	occ.SessionID = holder.ID
	occ.WorkerID = holder.WorkerID
	occ.LastSeenAt = &lastSeen
	occ.GraceExpiresAt = &expires

	var worker models.Worker
	if err := t.db.Select("worker_id", "name").Where("worker_id = ?", holder.WorkerID).First(&worker).Error; err == nil {
		occ.WorkerName = worker.Name
	}
	return occ, nil
}

// stationHolder returns the active session holding stationID, or nil.
func stationHolder(db *gorm.DB, stationID string) (*models.Session, *RepositoryError) {
	var s models.Session
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("active_station_id = ? AND status = ?", stationID, models.SessionActive).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbError(err)
	}
	return &s, nil
}

// workerHolding returns the worker's active session, or nil.
func workerHolding(db *gorm.DB, workerID string) (*models.Session, *RepositoryError) {
	var s models.Session
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("active_worker_id = ? AND status = ?", workerID, models.SessionActive).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbError(err)
	}
	return &s, nil
}

func ensureStationsExist(db *gorm.DB, stationIDs []string) *RepositoryError {
	var found []string
	if err := db.Model(&models.Station{}).Where("station_id IN ?", stationIDs).Pluck("station_id", &found).Error; err != nil {
		return dbError(err)
	}
	known := make(map[string]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	for _, id := range stationIDs {
		if _, ok := known[id]; !ok {
			return newError(KindNotFound, CodeStationNotFound, "Station does not exist",
				fmt.Sprintf("Station with id %s does not exist", id))
		}
	}
	return nil
}

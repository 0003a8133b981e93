package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Attachment is a binary file sent along with a report
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReportInput describes the report filed with a transition
type ReportInput struct {
	// Type defaults to the report type of the target status, then to general.
	Type        models.ReportType
	Description string
	Attachment  *Attachment
}

// TransitionInput asks to move a session into another status
type TransitionInput struct {
	SessionID string
	// Status is a status id or code.
	Status string
	Report *ReportInput
}

// TransitionResult is what a committed transition produced
type TransitionResult struct {
	Session *models.Session     `json:"session"`
	Event   *models.StatusEvent `json:"status_event"`
	Report  *models.Report      `json:"report,omitempty"`
}

// TransitionStatus closes the session's open interval and opens one for the requested status,
// optionally filing a report linked to the new interval.
//
// An attachment is uploaded before any database write. The interval change and the report are
// then written in one transaction: if the report cannot be stored nothing is written, and the
// uploaded blob is deleted again on a best-effort basis.
func (r *Repository) TransitionStatus(ctx context.Context, in TransitionInput) (*TransitionResult, *RepositoryError) {
	if in.SessionID == "" {
		return nil, validationError("session_id is required")
	}
	if in.Status == "" {
		return nil, validationError("status is required")
	}

	db := r.db.WithContext(ctx)
	status, rerr := r.resolveStatus(db, in.Status)
	if rerr != nil {
		return nil, rerr
	}
	if rerr := checkSelectable(status, in.Report != nil); rerr != nil {
		return nil, rerr
	}
	reportType := models.ReportTypeGeneral
	if in.Report != nil {
		switch {
		case in.Report.Type != "":
			reportType = in.Report.Type
		case status.ReportType != "":
			reportType = status.ReportType
		}
		if !reportType.Valid() {
			return nil, validationError(fmt.Sprintf("unknown report type %q", reportType))
		}
	}

	// Reject dead sessions before touching the upload service.
	var current models.Session
	if err := db.Where("session_id = ?", in.SessionID).First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessionNotFound(in.SessionID)
		}
		return nil, dbError(err)
	}
	if !current.IsActive() {
		return nil, sessionNotActive(&current)
	}

	var imageURL *string
	if in.Report != nil && in.Report.Attachment != nil && len(in.Report.Attachment.Data) > 0 {
		url, rerr := r.upload(ctx, in.SessionID, in.Report.Attachment)
		if rerr != nil {
			r.observer.TransitionRolledBack(rerr.Code)
			r.logger.Error("Attachment upload failed, transition not applied", "session", in.SessionID, "status", status.Code, "err", rerr.Detail)
			return nil, rerr
		}
		imageURL = &url
	}

	var result TransitionResult
	rerr = r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := lockSession(t.db, in.SessionID)
		if rerr != nil {
			return rerr
		}
		if !s.IsActive() {
			return sessionNotActive(s)
		}
		expired, rerr := r.expireIfDue(t, s)
		if rerr != nil {
			return rerr
		}
		if expired {
			return t.commitWith(newError(KindConflict, CodeSessionNotActive, "Session is no longer active",
				fmt.Sprintf("Session %s was abandoned after its grace window expired", s.ID)))
		}

		previous := s.CurrentStatusEventID
		event, rerr := r.openInterval(t, s, status, t.now)
		if rerr != nil {
			return rerr
		}
		if rerr := touchSession(t, s); rerr != nil {
			return rerr
		}

		if in.Report != nil {
			report, rerr := r.fileReport(t, s, event, reportType, in.Report.Description, imageURL)
			if rerr != nil {
				return rerr
			}
			result.Report = report
		}

		result.Session, result.Event = s, event
		t.publish(eventbus.NewEvent(eventbus.SessionStatusChanged, s.StationID, s.ID, s.WorkerID, event.StartedAt, map[string]any{
			"status":                   status.Code,
			"machine_state":            status.MachineState,
			"status_event_id":          event.ID,
			"previous_status_event_id": previous,
		}))
		return nil
	})
	if rerr != nil {
		if imageURL != nil {
			if err := r.uploader.Delete(ctx, *imageURL); err != nil {
				r.logger.Error("Failed to delete orphaned attachment", "url", *imageURL, "err", err)
			}
		}
		r.observer.TransitionRolledBack(rerr.Code)
		r.logger.Error("Transition rolled back", "session", in.SessionID, "status", status.Code, "code", rerr.Code, "detail", rerr.Detail)
		return nil, rerr
	}

	r.observer.TransitionCommitted("transition")
	r.logger.Info("Status changed", "session", in.SessionID, "status", status.Code, "event", result.Event.ID)
	return &result, nil
}

// checkSelectable rejects statuses a client may not move into.
func checkSelectable(status models.StatusDefinition, hasReport bool) *RepositoryError {
	if status.IsProtected {
		return statusProtected(status)
	}
	if status.RequiresReport && !hasReport {
		return newError(KindValidation, CodeReportRequired, "Status requires a report",
			fmt.Sprintf("Status %s requires a %s report", status.Code, status.ReportType))
	}
	return nil
}

func (r *Repository) upload(ctx context.Context, sessionID string, att *Attachment) (string, *RepositoryError) {
	if r.uploader == nil {
		return "", newError(KindInternal, CodeImageUploadFailed, "Failed to upload image", "no upload service configured")
	}
	name := att.Name
	if name == "" {
		name = sessionID
	}
	url, err := r.uploader.Upload(ctx, name, att.ContentType, att.Data)
	if err != nil {
		return "", newError(KindTransient, CodeImageUploadFailed, "Failed to upload image", err.Error())
	}
	return url, nil
}

// fileReport stores a report for event. Any failure is reported as REPORT_CREATE_FAILED so the
// caller can tell it apart from the interval change itself.
func (r *Repository) fileReport(t *txn, s *models.Session, event *models.StatusEvent, reportType models.ReportType, description string, imageURL *string) (*models.Report, *RepositoryError) {
	report := &models.Report{
		ID:            uuid.NewString(),
		SessionID:     s.ID,
		StatusEventID: event.ID,
		StationID:     s.StationID,
		WorkerID:      s.WorkerID,
		Type:          reportType,
		Description:   description,
		ImageURL:      imageURL,
		CreatedAt:     t.now,
	}
	if err := t.db.Create(report).Error; err != nil {
		return nil, reportCreateFailed(err)
	}
	if err := t.db.Model(&models.StatusEvent{}).Where("status_event_id = ?", event.ID).Update("report_id", report.ID).Error; err != nil {
		return nil, reportCreateFailed(err)
	}
	event.ReportID = &report.ID

	if reportType == models.ReportTypeScrap && !s.ScrapReportSubmitted {
		if err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Update("scrap_report_submitted", true).Error; err != nil {
			return nil, reportCreateFailed(err)
		}
		s.ScrapReportSubmitted = true
	}

	t.publish(eventbus.NewEvent(eventbus.ReportCreated, s.StationID, s.ID, s.WorkerID, t.now, map[string]any{
		"report_id":       report.ID,
		"type":            report.Type,
		"status_event_id": event.ID,
	}))
	return report, nil
}

// touchSession counts a mutation as a liveness signal.
func touchSession(t *txn, s *models.Session) *RepositoryError {
	seen := t.now
	if err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Update("last_seen_at", seen).Error; err != nil {
		return dbError(err)
	}
	s.LastSeenAt = &seen
	return nil
}

func reportCreateFailed(err error) *RepositoryError {
	return newError(KindInternal, CodeReportCreateFailed, "Failed to create report", err.Error())
}

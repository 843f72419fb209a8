package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Incident is a persisted incident record. The workflow engine owns the
// stage machine; this row tracks the durable view of it.
type Incident struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	DeviceID    string     `json:"deviceId,omitempty"`
	FaultType   string     `json:"faultType,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// CreateIncident inserts a new incident. A blank ID is filled with a fresh uuid.
func (s *Store) CreateIncident(ctx context.Context, inc Incident) (Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Status == "" {
		inc.Status = "detected"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO incidents (id, title, description, severity, status, device_id, fault_type)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?);`,
			inc.ID, inc.Title, inc.Description, inc.Severity, inc.Status, inc.DeviceID, inc.FaultType,
		)
		return err
	})
	if err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	return s.GetIncident(ctx, inc.ID)
}

// GetIncident returns a single incident by id, or ErrNotFound.
func (s *Store) GetIncident(ctx context.Context, id string) (Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, COALESCE(device_id, ''), fault_type, created_at, updated_at, resolved_at
		FROM incidents WHERE id = ?;`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("get incident %s: %w", id, err)
	}
	return inc, nil
}

// UpdateIncidentStatus moves an incident to a new status. Resolved incidents
// also get a resolution timestamp.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if status == "resolved" {
			res, err = s.db.ExecContext(ctx, `
				UPDATE incidents SET status = ?, updated_at = CURRENT_TIMESTAMP, resolved_at = CURRENT_TIMESTAMP
				WHERE id = ?;`, status, id)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE incidents SET status = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;`, status, id)
		}
		if err != nil {
			return fmt.Errorf("update incident %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListIncidents returns incidents newest first, optionally filtered by status.
func (s *Store) ListIncidents(ctx context.Context, status string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, title, description, severity, status, COALESCE(device_id, ''), fault_type, created_at, updated_at, resolved_at
		FROM incidents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(r rowScanner) (Incident, error) {
	var inc Incident
	var resolved sql.NullTime
	err := r.Scan(&inc.ID, &inc.Title, &inc.Description, &inc.Severity, &inc.Status,
		&inc.DeviceID, &inc.FaultType, &inc.CreatedAt, &inc.UpdatedAt, &resolved)
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return inc, err
}

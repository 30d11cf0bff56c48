package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "groupcal/internal/log"
	"groupcal/internal/model"
)

// SQL reads group names from the group_directory table created by the
// sqlite store backend.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (d *SQL) LookupGroupName(ctx context.Context, groupID string) (string, bool) {
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT name FROM group_directory WHERE id = ?`, groupID).Scan(&name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			appLog.Warn("directory: lookup failed", "group_id", groupID, "err", err)
		}
		return "", false
	}
	return name, true
}

func (d *SQL) GroupIDs(ctx context.Context) ([]string, error) {
	groups, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// List returns every group ordered by ID.
func (d *SQL) List(ctx context.Context) ([]model.Group, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM group_directory ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := []model.Group{}
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// Upsert inserts or renames a group.
func (d *SQL) Upsert(ctx context.Context, g model.Group) error {
	g.ID = strings.TrimSpace(g.ID)
	g.Name = strings.TrimSpace(g.Name)
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO group_directory (id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		g.ID, g.Name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// Remove deletes a group entry. Removing an unknown group is not an error.
func (d *SQL) Remove(ctx context.Context, groupID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM group_directory WHERE id = ?`, groupID); err != nil {
		return fmt.Errorf("remove group: %w", err)
	}
	return nil
}

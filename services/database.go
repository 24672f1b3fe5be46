package services

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fileconverter/models"

	_ "github.com/lib/pq"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseService reads the collaborative change log.
type DatabaseService struct {
	db           *sql.DB
	changesTable string
}

func NewDatabaseService(databaseURL, changesTable string) (*DatabaseService, error) {
	if !tableNamePattern.MatchString(changesTable) {
		return nil, fmt.Errorf("invalid changes table name %q", changesTable)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db, changesTable: changesTable}, nil
}

// GetChanges returns records with start <= change_id < end, ordered by
// change_id. A non-nil cutoff drops records dated after it.
func (d *DatabaseService) GetChanges(ctx context.Context, tenant, docID string, start, end int, cutoff *time.Time) ([]models.ChangeRecord, error) {
	var where strings.Builder
	where.WriteString(`tenant = $1 AND id = $2 AND change_id >= $3 AND change_id < $4`)
	args := []interface{}{tenant, docID, start, end}
	if cutoff != nil {
		where.WriteString(` AND change_date <= $5`)
		args = append(args, cutoff.UTC())
	}

	query := fmt.Sprintf(
		`SELECT change_id, user_id, user_id_original, user_name, change_data, change_date FROM %s WHERE %s ORDER BY change_id ASC`,
		d.changesTable, where.String(),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []models.ChangeRecord
	for rows.Next() {
		rec := models.ChangeRecord{Tenant: tenant, DocID: docID}
		var data string
		if err := rows.Scan(&rec.Index, &rec.UserID, &rec.UserIDOriginal, &rec.UserName, &data, &rec.ChangeDate); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		rec.Data = []byte(data)
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return changes, nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

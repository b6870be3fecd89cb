package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLog scans a SessionLog whose turns column holds JSON.
func scanLog(row rowScanner) (models.SessionLog, error) {
	var l models.SessionLog
	var turnsJSON sql.NullString
	if err := row.Scan(&l.ID, &l.SessionID, &l.ItemID, &l.Round, &turnsJSON, &l.CreatedAt); err != nil {
		return l, fmt.Errorf("scan session log failed: %w", err)
	}
	if turnsJSON.Valid && turnsJSON.String != "" {
		if err := json.Unmarshal([]byte(turnsJSON.String), &l.Turns); err != nil {
			return l, fmt.Errorf("decode turns of log %s: %w", l.ID, err)
		}
	}
	return l, nil
}

func collectLogs(rows *sql.Rows) ([]models.SessionLog, error) {
	defer rows.Close()
	var logs []models.SessionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session log rows: %w", err)
	}
	return logs, nil
}

func encodeTurns(turns []models.Turn) (string, error) {
	if turns == nil {
		turns = []models.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode turns: %w", err)
	}
	return string(data), nil
}

func encodeItemIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode item ids: %w", err)
	}
	return string(data), nil
}

// scanPreferences scans rounds, period and the JSON item id list.
func scanPreferences(row rowScanner) (models.Preferences, error) {
	var p models.Preferences
	var idsJSON sql.NullString
	if err := row.Scan(&p.Rounds, &p.Period, &idsJSON); err != nil {
		return p, err
	}
	if idsJSON.Valid && idsJSON.String != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &p.ItemIDs); err != nil {
			return p, fmt.Errorf("decode item ids: %w", err)
		}
	}
	if len(p.ItemIDs) == 0 {
		p.ItemIDs = nil
	}
	return p, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// table describes how one topic is stored. The first two columns are
// always id and timestamp_ms; the rest are the topic's numeric fields.
type table struct {
	name   string
	fields []string
	values func(topic string, row types.Row) ([]any, error)
}

func tableFor(topic string) (table, error) {
	t, ok := tables[topic]
	if !ok {
		return table{}, errors.NewUnknownTopic(topic)
	}
	return t, nil
}

var tables = map[string]table{
	constants.TopicWaterLevels: {
		name:   "water_levels",
		fields: []string{constants.FieldLevel, constants.FieldVolume},
		values: func(topic string, row types.Row) ([]any, error) {
			w, err := types.DecodeWaterLevel(topic, row)
			if err != nil {
				return nil, err
			}
			return []any{w.ID, w.TimestampMs, w.Level, w.Volume}, nil
		},
	},
	constants.TopicAtmospheric: {
		name:   "atmospheric_conditions",
		fields: []string{constants.FieldTemperature, constants.FieldHumidity},
		values: func(topic string, row types.Row) ([]any, error) {
			a, err := types.DecodeAtmospheric(topic, row)
			if err != nil {
				return nil, err
			}
			return []any{a.ID, a.TimestampMs, a.Temperature, a.Humidity}, nil
		},
	},
}

// migrate creates the schema. It is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "water_levels",
			sql: `CREATE TABLE IF NOT EXISTS water_levels (
				id VARCHAR PRIMARY KEY,
				timestamp_ms BIGINT NOT NULL,
				level DOUBLE,
				volume DOUBLE NOT NULL,
				inserted_at TIMESTAMP DEFAULT now()
			)`,
		},
		{
			name: "atmospheric_conditions",
			sql: `CREATE TABLE IF NOT EXISTS atmospheric_conditions (
				id VARCHAR PRIMARY KEY,
				timestamp_ms BIGINT NOT NULL,
				temperature DOUBLE NOT NULL,
				humidity DOUBLE NOT NULL,
				inserted_at TIMESTAMP DEFAULT now()
			)`,
		},
		{
			name: "settings",
			sql: `CREATE TABLE IF NOT EXISTS settings (
				key VARCHAR PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at TIMESTAMP DEFAULT now()
			)`,
		},
		{
			name: "idx_water_levels_ts",
			sql:  `CREATE INDEX IF NOT EXISTS idx_water_levels_ts ON water_levels(timestamp_ms)`,
		},
		{
			name: "idx_atmospheric_conditions_ts",
			sql:  `CREATE INDEX IF NOT EXISTS idx_atmospheric_conditions_ts ON atmospheric_conditions(timestamp_ms)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/sink"
)

func TestWriteHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "history.db")
	s, err := sink.Open(ctx, "sqlite", config.OutputsConfig{SQLite: config.SQLiteConfig{
		Enabled:     true,
		Path:        path,
		BusyTimeout: time.Second,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.Equal(t, "sqlite", s.Name())

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = s.Write(ctx, sink.Batch{
		ReadID:       "r-1",
		Address:      "1",
		Manufacturer: "KAM",
		Medium:       4,
		Complete:     true,
		Rows: []records.Row{
			{RecordIndex: 0, Function: "Instantaneous value", Unit: "Volume (m^3)", UnitCode: 0x13, Value: "1.000", Numeric: true, Float: 1, Timestamp: ts},
			{RecordIndex: 1, Unit: "Time point", UnitCode: 0x6D, Value: "2010-05-27", Timestamp: ts},
		},
	})
	require.NoError(t, err)

	db := s.(*Sink).DB()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE read_id = ?`, "r-1").Scan(&n))
	require.Equal(t, 2, n)

	var numeric sql.NullFloat64
	var value string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT value, numeric_value FROM records WHERE read_id = ? AND record_index = 1`, "r-1").Scan(&value, &numeric))
	require.Equal(t, "2010-05-27", value)
	require.False(t, numeric.Valid)

	var manufacturer string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT manufacturer FROM readings WHERE read_id = ?`, "r-1").Scan(&manufacturer))
	require.Equal(t, "KAM", manufacturer)

	// The same read ID is rejected and nothing of it is kept.
	err = s.Write(ctx, sink.Batch{ReadID: "r-1", Address: "1"})
	require.Error(t, err)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n))
	require.Equal(t, 1, n)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

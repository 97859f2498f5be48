package records

import (
	"time"

	"github.com/d21d3q/gombus/internal/address"
)

// Row is the flat output shape of one record, handed to sinks.
type Row struct {
	Address       string    `json:"address"`
	RecordIndex   int       `json:"record_index"`
	Function      string    `json:"function"`
	StorageNumber uint64    `json:"storage_number"`
	Tariff        int       `json:"tariff"`
	Device        int       `json:"device"`
	Unit          string    `json:"unit"`
	UnitCode      byte      `json:"unit_code"`
	Value         string    `json:"value"`
	Numeric       bool      `json:"numeric"`
	Float         float64   `json:"float,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewRow flattens r. index is the 1-based position across all frames of a
// reading. Float is only set for numeric values.
func NewRow(addr address.Address, index int, r Record) Row {
	row := Row{
		Address:       addr.String(),
		RecordIndex:   index,
		Function:      r.DIB.FunctionName(),
		StorageNumber: r.DIB.StorageNumber(),
		Tariff:        r.DIB.Tariff(),
		Device:        r.DIB.Device(),
		Unit:          r.Unit.String(),
		UnitCode:      r.VIB.Code(),
		Value:         r.Value.String(),
		Numeric:       r.Value.Numeric(),
		Timestamp:     r.Timestamp,
	}
	if row.Numeric {
		row.Float = r.Value.Float64()
	}
	return row
}

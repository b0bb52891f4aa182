package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

// PostgresMirror keeps one row per tag holding its latest reading. Rows are
// upserted by name, so the table never grows past the catalog size.
type PostgresMirror struct {
	db        *sql.DB
	tableName string
}

func NewPostgresMirror(db *sql.DB, table string) *PostgresMirror {
	return &PostgresMirror{db: db, tableName: table}
}

func (p *PostgresMirror) Name() string { return "postgres" }

// EnsureSchema creates the mirror table when it does not exist yet.
func (p *PostgresMirror) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+p.tableName+` (
	name        TEXT PRIMARY KEY,
	node_id     TEXT NOT NULL,
	value_num   DOUBLE PRECISION,
	value_text  TEXT,
	status      TEXT NOT NULL,
	ts          TIMESTAMPTZ,
	seq         BIGINT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return fmt.Errorf("create mirror table %s: %w", p.tableName, err)
	}
	return nil
}

func (p *PostgresMirror) WriteSnapshot(ctx context.Context, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (name, node_id, value_num, value_text, status, ts, seq, error) VALUES ")

	args := make([]any, 0, len(readings)*8)
	for i, r := range readings {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8))

		num, text := splitValue(r.Value)
		var ts any
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.UTC()
		}
		args = append(args,
			r.Name,
			r.NodeID,
			num,
			text,
			r.Status.String(),
			ts,
			int64(r.Seq),
			r.Error,
		)
	}

	b.WriteString(" ON CONFLICT (name) DO UPDATE SET" +
		" node_id = EXCLUDED.node_id, value_num = EXCLUDED.value_num, value_text = EXCLUDED.value_text," +
		" status = EXCLUDED.status, ts = EXCLUDED.ts, seq = EXCLUDED.seq, error = EXCLUDED.error")

	if _, err := p.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert %d readings into %s: %w", len(readings), p.tableName, err)
	}
	return nil
}

// splitValue routes numbers to value_num and everything else to value_text.
func splitValue(v any) (num, text any) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case bool:
		if val {
			return 1.0, "true"
		}
		return 0.0, "false"
	case string:
		return nil, val
	case time.Time:
		return nil, val.UTC().Format(time.RFC3339Nano)
	default:
		return nil, fmt.Sprint(val)
	}
}

var _ ports.Mirror = (*PostgresMirror)(nil)

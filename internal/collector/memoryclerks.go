package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/store"
)

const memoryClerksQuery = sessionGuards + `
SELECT
    mc.[type] AS clerk_type,
    mc.memory_node_id,
    SUM(mc.pages_kb) AS pages_kb
FROM sys.dm_os_memory_clerks AS mc WITH (NOLOCK)
GROUP BY mc.[type], mc.memory_node_id
HAVING SUM(mc.pages_kb) > 0`

// MemoryClerks samples sys.dm_os_memory_clerks. The values are gauges, so
// this collector never invokes the delta engine.
type MemoryClerks struct {
	client *Client
	store  *store.Store
}

// NewMemoryClerks creates the memory clerk collector.
func NewMemoryClerks(client *Client, st *store.Store) *MemoryClerks {
	return &MemoryClerks{client: client, store: st}
}

func (m *MemoryClerks) Name() string { return NameMemoryClerks }

// Collect appends one memory clerk generation.
func (m *MemoryClerks) Collect(ctx context.Context) (int, error) {
	serverStart, err := m.client.serverStartTime(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := m.client.db.QueryContext(ctx, memoryClerksQuery)
	if err != nil {
		return 0, fmt.Errorf("querying memory clerks: %w", err)
	}
	defer rows.Close()

	var samples []store.MemoryClerkSample
	for rows.Next() {
		var s store.MemoryClerkSample
		if err := rows.Scan(&s.ClerkType, &s.MemoryNodeID, &s.PagesKB); err != nil {
			return 0, fmt.Errorf("scanning memory clerk row: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating memory clerks: %w", err)
	}

	now := time.Now().Unix()
	return commitGeneration(ctx, m.store, nil, "", func(tx *sql.Tx) (int, error) {
		return m.store.InsertMemoryClerks(tx, now, serverStart, samples)
	})
}

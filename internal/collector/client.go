package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sqlpulse/sqlpulse/internal/model"
)

// sessionGuards runs ahead of every DMV batch. Low deadlock priority makes
// the monitoring session the victim of any deadlock with real workload, and
// the lock timeout bounds how long a query may block before failing fast.
const sessionGuards = `
SET DEADLOCK_PRIORITY -10;
SET LOCK_TIMEOUT 5000;
`

// Client wraps a connection pool to the monitored SQL Server.
type Client struct {
	db   *sql.DB
	name string
}

// NewClient opens a connection pool to the target. The pool is kept small:
// collectors run strictly sequentially, and the monitored system's own
// contention is the thing being measured.
func NewClient(name, dsn string) (*Client, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection to %s: %w", name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Client{db: db, name: name}, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies connectivity to the target.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", c.name, err)
	}
	return nil
}

const serverInfoQuery = sessionGuards + `
SELECT
    REPLACE(@@SERVERNAME, '\', ':') AS server_name,
    CAST(SERVERPROPERTY('ProductVersion') AS nvarchar(128)) AS version,
    CAST(SERVERPROPERTY('Edition') AS nvarchar(128)) AS edition,
    si.cpu_count,
    si.physical_memory_kb,
    si.sqlserver_start_time
FROM sys.dm_os_sys_info AS si`

// ServerInfo reads configuration-relevant facts and the current server start
// time from sys.dm_os_sys_info.
func (c *Client) ServerInfo(ctx context.Context) (model.ServerInfo, error) {
	var info model.ServerInfo
	var start time.Time
	err := c.db.QueryRowContext(ctx, serverInfoQuery).Scan(
		&info.ServerName, &info.Version, &info.Edition,
		&info.CPUCount, &info.PhysicalMemoryKB, &start,
	)
	if err != nil {
		return model.ServerInfo{}, fmt.Errorf("querying server info from %s: %w", c.name, err)
	}
	info.ServerStartTime = start.Unix()
	return info, nil
}

// serverStartTime returns the current uptime epoch marker.
func (c *Client) serverStartTime(ctx context.Context) (int64, error) {
	var start time.Time
	err := c.db.QueryRowContext(ctx,
		sessionGuards+`SELECT sqlserver_start_time FROM sys.dm_os_sys_info`,
	).Scan(&start)
	if err != nil {
		return 0, fmt.Errorf("querying server start time from %s: %w", c.name, err)
	}
	return start.Unix(), nil
}

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/delta"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

const fileIOQuery = sessionGuards + `
SELECT
    COALESCE(DB_NAME(vfs.database_id), CAST(vfs.database_id AS nvarchar(16))) AS database_name,
    vfs.database_id,
    vfs.file_id,
    COALESCE(mf.type_desc, 'UNKNOWN') AS file_type,
    vfs.num_of_reads,
    vfs.num_of_bytes_read,
    vfs.io_stall_read_ms,
    vfs.num_of_writes,
    vfs.num_of_bytes_written,
    vfs.io_stall_write_ms
FROM sys.dm_io_virtual_file_stats(NULL, NULL) AS vfs
LEFT JOIN sys.master_files AS mf WITH (NOLOCK)
    ON vfs.database_id = mf.database_id AND vfs.file_id = mf.file_id`

// FileIO samples sys.dm_io_virtual_file_stats per database file.
type FileIO struct {
	client *Client
	store  *store.Store
	engine *delta.Engine
}

// NewFileIO creates the file I/O collector.
func NewFileIO(client *Client, st *store.Store, engine *delta.Engine) *FileIO {
	return &FileIO{client: client, store: st, engine: engine}
}

func (f *FileIO) Name() string { return NameFileIO }

// Collect appends one file I/O generation and deltifies it.
func (f *FileIO) Collect(ctx context.Context) (int, error) {
	serverStart, err := f.client.serverStartTime(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := f.client.db.QueryContext(ctx, fileIOQuery)
	if err != nil {
		return 0, fmt.Errorf("querying file io stats: %w", err)
	}
	defer rows.Close()

	var samples []store.FileIOSample
	for rows.Next() {
		var s store.FileIOSample
		if err := rows.Scan(&s.DatabaseName, &s.DatabaseID, &s.FileID, &s.FileType,
			&s.NumOfReads, &s.NumOfBytesRead, &s.IOStallReadMS,
			&s.NumOfWrites, &s.NumOfBytesWritten, &s.IOStallWriteMS); err != nil {
			return 0, fmt.Errorf("scanning file io row: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating file io stats: %w", err)
	}

	now := time.Now().Unix()
	return commitGeneration(ctx, f.store, f.engine, delta.FamilyFileIO, func(tx *sql.Tx) (int, error) {
		return f.store.InsertFileIO(tx, now, serverStart, samples)
	})
}

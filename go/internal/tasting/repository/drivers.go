package repository

// database/sql drivers selectable through dbconfig.Config.Driver.
import (
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

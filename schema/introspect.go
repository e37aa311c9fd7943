package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// ReadExport builds the structural export of a materialized SQLite database.
// It enumerates user tables from sqlite_master and reads column definitions
// via PRAGMA table_info. Internal sqlite_* tables are excluded.
//
// The caller owns the connection and its driver registration.
func ReadExport(ctx context.Context, db *sql.DB, version string) (Export, error) {
	export := Export{Version: version}

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return export, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return export, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return export, fmt.Errorf("iterate tables: %w", err)
	}

	for _, name := range names {
		entity, err := readEntity(ctx, db, name)
		if err != nil {
			return export, err
		}
		export.Entities = append(export.Entities, entity)
	}

	export.Normalize()
	return export, nil
}

func readEntity(ctx context.Context, db *sql.DB, table string) (Entity, error) {
	entity := Entity{Name: table}

	// PRAGMA table_info does not support placeholders; quote the identifier.
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return entity, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return entity, fmt.Errorf("scan column of %s: %w", table, err)
		}
		entity.Columns = append(entity.Columns, Column{
			Name:       name,
			Type:       ctype,
			NotNull:    notNull != 0,
			PrimaryKey: pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return entity, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	return entity, nil
}

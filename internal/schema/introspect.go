package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const tablesQuery = `
SELECT c.oid, n.nspname, c.relname, c.relkind::text
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p')
  AND NOT c.relispartition
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg_toast%'
  AND n.nspname NOT LIKE 'pg_temp%'
ORDER BY n.nspname, c.relname`

const columnsQuery = `
SELECT a.attrelid, a.attname, a.attnum,
       format_type(a.atttypid, a.atttypmod),
       NOT a.attnotnull,
       t.typname, t.typcategory::text,
       COALESCE(pg_get_expr(d.adbin, d.adrelid), ''),
       a.attidentity::text
FROM pg_attribute a
JOIN pg_type t ON t.oid = a.atttypid
LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
WHERE a.attrelid = ANY($1::oid[])
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attrelid, a.attnum`

const primaryKeysQuery = `
SELECT con.conrelid, a.attname
FROM pg_constraint con
JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
WHERE con.contype = 'p'
  AND con.conrelid = ANY($1::oid[])
ORDER BY con.conrelid, k.ord`

const foreignKeysQuery = `
SELECT con.conname, con.conrelid, rn.nspname, rc.relname,
       ARRAY(SELECT a.attname
             FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
             ORDER BY k.ord)::text[],
       ARRAY(SELECT a.attname
             FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
             ORDER BY k.ord)::text[],
       con.confdeltype::text
FROM pg_constraint con
JOIN pg_class rc ON rc.oid = con.confrelid
JOIN pg_namespace rn ON rn.oid = rc.relnamespace
WHERE con.contype = 'f'
  AND con.conrelid = ANY($1::oid[])
ORDER BY con.conrelid, con.conname`

// BuildGraph introspects every user table visible to q. Tables whose bare
// name is in exclude are left out of the graph; foreign keys pointing at
// them remain on the referencing tables.
func BuildGraph(ctx context.Context, q Querier, exclude ...string) (*Graph, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	g := &Graph{BuiltAt: time.Now()}
	byOID := map[uint32]*Table{}
	var oids []uint32
	seenSchema := map[string]bool{}

	rows, err := q.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	for rows.Next() {
		var (
			oid     uint32
			t       Table
			relkind string
		)
		if err := rows.Scan(&oid, &t.Schema, &t.Name, &relkind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		if skip[t.Name] {
			continue
		}
		t.Kind = relkindToString(relkind)
		tbl := &t
		g.Tables = append(g.Tables, tbl)
		byOID[oid] = tbl
		oids = append(oids, oid)
		if !seenSchema[t.Schema] {
			seenSchema[t.Schema] = true
			g.Schemas = append(g.Schemas, t.Schema)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tables: %w", err)
	}
	if len(oids) == 0 {
		return g, nil
	}

	if err := loadColumns(ctx, q, oids, byOID); err != nil {
		return nil, err
	}
	if err := loadPrimaryKeys(ctx, q, oids, byOID); err != nil {
		return nil, err
	}
	if err := loadForeignKeys(ctx, q, oids, byOID); err != nil {
		return nil, err
	}
	return g, nil
}

func loadColumns(ctx context.Context, q Querier, oids []uint32, byOID map[uint32]*Table) error {
	rows, err := q.Query(ctx, columnsQuery, oids)
	if err != nil {
		return fmt.Errorf("querying columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid                           uint32
			c                             Column
			typname, category, def, ident string
		)
		if err := rows.Scan(&oid, &c.Name, &c.Position, &c.TypeName, &c.IsNullable,
			&typname, &category, &def, &ident); err != nil {
			return fmt.Errorf("scanning column: %w", err)
		}
		c.JSONType = jsonType(typname, category)
		c.IsArray = category == "A"
		c.IsJSON = typname == "json" || typname == "jsonb"
		c.IsBoolean = typname == "bool"
		c.HasSequence = ident != "" || strings.HasPrefix(def, "nextval(")
		c.IdentityAlways = ident == "a"
		if t := byOID[oid]; t != nil {
			col := c
			t.Columns = append(t.Columns, &col)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading columns: %w", err)
	}
	return nil
}

func loadPrimaryKeys(ctx context.Context, q Querier, oids []uint32, byOID map[uint32]*Table) error {
	rows, err := q.Query(ctx, primaryKeysQuery, oids)
	if err != nil {
		return fmt.Errorf("querying primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid  uint32
			name string
		)
		if err := rows.Scan(&oid, &name); err != nil {
			return fmt.Errorf("scanning primary key: %w", err)
		}
		t := byOID[oid]
		if t == nil {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, name)
		if c := t.ColumnByName(name); c != nil {
			c.IsPrimaryKey = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading primary keys: %w", err)
	}
	return nil
}

func loadForeignKeys(ctx context.Context, q Querier, oids []uint32, byOID map[uint32]*Table) error {
	rows, err := q.Query(ctx, foreignKeysQuery, oids)
	if err != nil {
		return fmt.Errorf("querying foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			oid    uint32
			fk     ForeignKey
			action string
		)
		if err := rows.Scan(&fk.ConstraintName, &oid, &fk.ReferencedSchema, &fk.ReferencedTable,
			&fk.Columns, &fk.ReferencedColumns, &action); err != nil {
			return fmt.Errorf("scanning foreign key: %w", err)
		}
		fk.OnDelete = fkActionToString(action)
		if t := byOID[oid]; t != nil {
			ref := fk
			t.ForeignKeys = append(t.ForeignKeys, &ref)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading foreign keys: %w", err)
	}
	return nil
}

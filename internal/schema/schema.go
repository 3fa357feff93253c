// Package schema introspects the destination Postgres catalog into a graph of
// tables and foreign keys, and orders that graph for dependency-safe copying.
package schema

import (
	"strings"
	"time"
)

// Graph is one snapshot of the destination schema. Tables are in catalog
// order (schema name, then table name), which makes every derived plan
// deterministic for a given schema.
type Graph struct {
	Tables  []*Table  `json:"tables"`
	Schemas []string  `json:"schemas"`
	BuiltAt time.Time `json:"builtAt"`
}

// Table describes one relation and its outgoing foreign keys.
type Table struct {
	Schema      string        `json:"schema"`
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Columns     []*Column     `json:"columns"`
	PrimaryKey  []string      `json:"primaryKey"`
	ForeignKeys []*ForeignKey `json:"foreignKeys,omitempty"`
}

// Column describes one attribute. The Is* flags drive value coercion.
type Column struct {
	Name           string `json:"name"`
	Position       int    `json:"position"`
	TypeName       string `json:"type"`
	JSONType       string `json:"jsonType"`
	IsNullable     bool   `json:"nullable"`
	IsPrimaryKey   bool   `json:"primaryKey"`
	IsJSON         bool   `json:"isJson,omitempty"`
	IsArray        bool   `json:"isArray,omitempty"`
	IsBoolean      bool   `json:"isBoolean,omitempty"`
	HasSequence    bool   `json:"hasSequence,omitempty"`
	IdentityAlways bool   `json:"identityAlways,omitempty"`
}

// ForeignKey is an edge from the owning table to ReferencedTable.
type ForeignKey struct {
	ConstraintName    string   `json:"constraintName"`
	Columns           []string `json:"columns"`
	ReferencedSchema  string   `json:"referencedSchema"`
	ReferencedTable   string   `json:"referencedTable"`
	ReferencedColumns []string `json:"referencedColumns"`
	OnDelete          string   `json:"onDelete"`
}

// Key identifies the table inside a Graph ("schema.name", or just the name
// when the schema is unset).
func (t *Table) Key() string {
	return tableKey(t.Schema, t.Name)
}

// ReferencedKey is the Key of the referenced table.
func (fk *ForeignKey) ReferencedKey() string {
	return tableKey(fk.ReferencedSchema, fk.ReferencedTable)
}

func tableKey(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// QualifiedName returns the quoted, schema-qualified name for use in SQL.
func (t *Table) QualifiedName() string {
	if t.Schema == "" {
		return QuoteIdent(t.Name)
	}
	return QuoteIdent(t.Schema) + "." + QuoteIdent(t.Name)
}

// ColumnByName returns the named column or nil.
func (t *Table) ColumnByName(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// SequenceColumns returns columns backed by a sequence (serial or identity).
func (t *Table) SequenceColumns() []*Column {
	var out []*Column
	for _, c := range t.Columns {
		if c.HasSequence {
			out = append(out, c)
		}
	}
	return out
}

// HasIdentityAlways reports whether any column is GENERATED ALWAYS AS IDENTITY.
func (t *Table) HasIdentityAlways() bool {
	for _, c := range t.Columns {
		if c.IdentityAlways {
			return true
		}
	}
	return false
}

// TableByName finds a table by bare name, preferring the public schema.
func (g *Graph) TableByName(name string) *Table {
	var fallback *Table
	for _, t := range g.Tables {
		if t.Name != name {
			continue
		}
		if t.Schema == "public" {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

// QuoteIdent double-quotes a Postgres identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func relkindToString(relkind string) string {
	switch relkind {
	case "r":
		return "table"
	case "v":
		return "view"
	case "m":
		return "materialized_view"
	case "p":
		return "partitioned_table"
	default:
		return "table"
	}
}

func fkActionToString(action string) string {
	switch action {
	case "a":
		return "NO ACTION"
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

// jsonType maps a Postgres type to the JSON type its values serialize as.
func jsonType(typname, category string) string {
	if category == "A" {
		return "array"
	}
	switch typname {
	case "int2", "int4", "int8":
		return "integer"
	case "numeric", "float4", "float8", "money":
		return "number"
	case "bool":
		return "boolean"
	case "json", "jsonb":
		return "object"
	default:
		return "string"
	}
}

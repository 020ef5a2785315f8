// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for all shop tables. Every statement is
// idempotent so the schema can be applied on each startup.
//
//go:embed migrations/001_schema.sql
var Schema string

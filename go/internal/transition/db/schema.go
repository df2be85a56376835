package db

import _ "embed"

// Schema creates the outbox table. Applied by tools/migrate.
//
//go:embed schema/outbox.sql
var Schema string

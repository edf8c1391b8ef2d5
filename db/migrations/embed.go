package migrations

import "embed"

// Files holds the coordination schema; migrations apply in filename order.
//
//go:embed *.sql
var Files embed.FS

// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: transactional tick commits with an optimistic version
// check, display-status aware list queries, embedded SQL migrations.
package postgres

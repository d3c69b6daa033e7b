package postgres

// Códigos SQLSTATE usados por el adapter.
const (
	DuplicateObject = "42710"
	UndefinedTable  = "42P01"
)

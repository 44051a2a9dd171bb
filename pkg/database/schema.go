package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// SchemaValidator checks a migrated database before the server accepts
// traffic.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	checks := []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":                     "Presence persistence",
		"conversations":             "Conversation records",
		"conversation_participants": "Conversation membership",
		"messages":                  "Message lifecycle storage",
		"message_reactions":         "Reactions",
		"blocks":                    "Block relations",
		"schema_migrations":         "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies the columns the store scans into Go types
// TECHNICAL DISCOVERY: timestamps must be declared DATETIME for the sqlite3
// driver to parse them back into time.Time
func (v *SchemaValidator) ValidateTableStructure() error {
	messageColumns := map[string]string{
		"id":              "TEXT",
		"conversation_id": "TEXT",
		"sender_id":       "TEXT",
		"kind":            "TEXT",
		"content":         "TEXT",
		"status":          "INTEGER",
		"created_at":      "DATETIME",
		"delivered_at":    "DATETIME",
		"read_at":         "DATETIME",
		"edited_at":       "DATETIME",
		"deleted_at":      "DATETIME",
		"pinned_at":       "DATETIME",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	userColumns := map[string]string{
		"id":           "TEXT",
		"online":       "INTEGER",
		"last_seen_at": "DATETIME",
	}
	if err := v.validateColumns("users", userColumns); err != nil {
		return fmt.Errorf("users table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all required indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_messages_conversation_time":   "Message history retrieval",
		"idx_messages_conversation_status": "Bulk read receipts",
		"idx_messages_single_pin":          "Single pinned message per conversation",
		"idx_participants_user":            "Membership lookups",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that integrity rules are enforced by the
// engine. Probes run in a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, created_at)
		VALUES ('schema-check', 'missing', 'u', 'text', 'x', CURRENT_TIMESTAMP)
	`); err == nil {
		return errors.New("foreign key constraint not enforced: messages.conversation_id")
	}

	if _, err := tx.Exec(`INSERT INTO conversations (id, kind, created_at) VALUES ('schema-check', 'direct', CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("failed to create check conversation: %w", err)
	}
	insert := `INSERT INTO messages (id, conversation_id, sender_id, kind, content, created_at, pinned_at)
		VALUES (?, 'schema-check', 'u', 'text', 'x', CURRENT_TIMESTAMP, ?)`
	if _, err := tx.Exec(insert, "schema-check-1", "2024-01-01 00:00:00"); err != nil {
		return fmt.Errorf("failed to create check message: %w", err)
	}
	if _, err := tx.Exec(insert, "schema-check-2", "2024-01-01 00:00:01"); err == nil {
		return errors.New("unique pin constraint not enforced: messages.pinned_at")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}

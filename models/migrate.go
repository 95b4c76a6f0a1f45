package models

import "gorm.io/gorm"

// Migrate creates or updates the schema for every model. Production
// runs it against Postgres at startup; store tests run the same schema
// against sqlite.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Identity{},
		&Account{},
	)
}

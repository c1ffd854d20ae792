package models

import "gorm.io/gorm"

// AllModels returns all models for migration
// Note: Role must be migrated before the tables referencing it
func AllModels() []interface{} {
	return []interface{}{
		&Role{},
		&User{},
		&UserRole{},
		&Invitation{},
		&InvitationRole{},
		&APIKey{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

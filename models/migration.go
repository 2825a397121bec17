package models

import (
	"log"

	"github.com/mmdatafocus/storefront_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&IdentitySyncRun{}, &IdentitySyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

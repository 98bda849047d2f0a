package database

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
)

type migrationFixture struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestSetupDBMigratesModels(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := SetupDB(WithDialector(sqlite.Open(dsn)), WithMigrations(&migrationFixture{}))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}
	if !db.Migrator().HasTable(&migrationFixture{}) {
		t.Fatal("expected migration table to exist")
	}
}

func TestSetupDBRequiresConnection(t *testing.T) {
	if _, err := SetupDB(); err == nil {
		t.Fatal("expected error without dialector or existing connection")
	}
}

func TestDialector(t *testing.T) {
	if _, err := Dialector("sqlite", ""); err != nil {
		t.Fatalf("sqlite dialector: %v", err)
	}
	if d, err := Dialector("postgres", "host=db user=u dbname=x"); err != nil || d.Name() != "postgres" {
		t.Fatalf("postgres dialector = %v, %v", d, err)
	}
	if _, err := Dialector("mysql", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

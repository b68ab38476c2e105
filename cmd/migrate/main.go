// Command migrate applies the schema files in migrations/ in name order.
// Every file is idempotent (CREATE IF NOT EXISTS), so re-running against a
// live database is safe.
//
// Usage:
//
//	migrate [dir]     apply .sql files from dir (default migrations/)
//	migrate --list    print the crm_ tables present instead of migrating
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		log.Fatal("Set DATABASE_URL before running migrations")
	}

	dir, listOnly := parseArgs(os.Args[1:])

	db, err := sql.Open("postgres", url)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("reaching database: %v", err)
	}

	if listOnly {
		if err := printTables(db); err != nil {
			log.Fatalf("listing tables: %v", err)
		}
		return
	}

	files, err := sqlFiles(dir)
	if err != nil {
		log.Fatalf("scanning %s: %v", dir, err)
	}

	var applied, failed int
	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("reading %s: %v", name, err)
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		if err := applyOne(db, string(raw)); err != nil {
			fmt.Printf("%-40s failed: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("%-40s applied\n", name)
		applied++
	}
	log.Printf("[Migrate] %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func parseArgs(args []string) (dir string, listOnly bool) {
	dir = "migrations"
	for _, a := range args {
		if a == "--list" {
			listOnly = true
			continue
		}
		dir = a
	}
	return dir, listOnly
}

func sqlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// applyOne runs a single migration file inside its own transaction.
func applyOne(db *sql.DB, content string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(content); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func printTables(db *sql.DB) error {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename LIKE 'crm_%' ORDER BY tablename")
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println("  " + name)
		count++
	}
	fmt.Printf("%d crm_ tables\n", count)
	return rows.Err()
}

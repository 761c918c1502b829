// Command admin closes runs left pending by a crashed process. It marks
// every pending phase of a stale run as error, the same repair the service's
// reaper performs while running.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

const staleFilter = `snapshot IS NULL
	AND updated_at < $1
	AND EXISTS (SELECT 1 FROM jsonb_each_text(phases) p WHERE p.value = 'pending')`

func main() {
	connStr := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	olderThan := flag.Duration("older-than", time.Hour, "only repair runs not updated for this long")
	dryRun := flag.Bool("dry-run", false, "list stale runs without changing them")
	flag.Parse()

	if *connStr == "" {
		fmt.Fprintln(os.Stderr, "missing -db or DATABASE_URL")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *connStr)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-*olderThan)
	query := `UPDATE runs
	SET phases = (
		SELECT jsonb_object_agg(key, CASE WHEN value = '"pending"'::jsonb THEN '"error"'::jsonb ELSE value END)
		FROM jsonb_each(phases)
	), updated_at = now()
	WHERE ` + staleFilter + `
	RETURNING id`
	if *dryRun {
		query = `SELECT id FROM runs WHERE ` + staleFilter + ` ORDER BY updated_at`
	}

	rows, err := db.QueryContext(ctx, query, cutoff)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			panic(err)
		}
		fmt.Println(id)
		count++
	}
	if err := rows.Err(); err != nil {
		panic(err)
	}

	if *dryRun {
		fmt.Printf("%d stale runs older than %s\n", count, *olderThan)
		return
	}
	fmt.Printf("Successfully closed %d stale runs\n", count)
}

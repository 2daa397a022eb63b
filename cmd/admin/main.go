// Command admin recomputes the derived account and vote aggregate counters
// from the indexed blocks and votes. Run it with the indexer stopped.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"

	"github.com/vietddude/blockindex/internal/core/domain"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dsn := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	dryRun := flag.Bool("dry-run", false, "print the recomputed totals without writing them")
	flag.Parse()

	if *dsn == "" {
		log.Fatalf("database url is not set (use -database-url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	aggs, err := loadAggregates(ctx, db)
	if err != nil {
		log.Fatalf("load vote totals: %v", err)
	}
	if *dryRun {
		for _, a := range aggs {
			fmt.Printf("%s -> %s: %d\n", a.SentAddress, a.ReceivedAddress, a.Amount)
		}
		fmt.Printf("%d vote aggregates\n", len(aggs))
		return
	}

	if err := recompute(ctx, db, aggs); err != nil {
		log.Fatalf("recompute counters: %v", err)
	}
	fmt.Printf("Successfully recomputed account counters and %d vote aggregates\n", len(aggs))
}

func loadAggregates(ctx context.Context, db *sql.DB) ([]domain.VoteAggregate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sent_address, received_address, SUM(amount), MAX(timestamp)
		FROM votes
		GROUP BY sent_address, received_address
		ORDER BY sent_address, received_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VoteAggregate
	for rows.Next() {
		var a domain.VoteAggregate
		if err := rows.Scan(&a.SentAddress, &a.ReceivedAddress, &a.Amount, &a.Timestamp); err != nil {
			return nil, err
		}
		a.ID = domain.VoteAggregateID(a.SentAddress, a.ReceivedAddress)
		out = append(out, a)
	}
	return out, rows.Err()
}

func recompute(ctx context.Context, db *sql.DB, aggs []domain.VoteAggregate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmts := []string{
		`UPDATE accounts SET produced_blocks = 0, rewards = 0, total_votes_received = 0`,
		`INSERT INTO accounts (address, public_key, produced_blocks, rewards)
		 SELECT generator_address, MAX(generator_public_key), COUNT(*), SUM(reward)
		 FROM blocks GROUP BY generator_address
		 ON CONFLICT (address) DO UPDATE
		 SET produced_blocks = EXCLUDED.produced_blocks, rewards = EXCLUDED.rewards`,
		`INSERT INTO accounts (address, total_votes_received)
		 SELECT received_address, SUM(amount) FROM votes GROUP BY received_address
		 ON CONFLICT (address) DO UPDATE
		 SET total_votes_received = EXCLUDED.total_votes_received`,
		`DELETE FROM votes_aggregate`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}

	if len(aggs) > 0 {
		ids := make([]string, len(aggs))
		sent := make([]string, len(aggs))
		received := make([]string, len(aggs))
		amounts := make([]int64, len(aggs))
		timestamps := make([]int64, len(aggs))
		for i, a := range aggs {
			ids[i], sent[i], received[i] = a.ID, a.SentAddress, a.ReceivedAddress
			amounts[i], timestamps[i] = a.Amount, a.Timestamp
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO votes_aggregate (id, sent_address, received_address, amount, timestamp)
			SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[], $5::bigint[])`,
			pq.Array(ids), pq.Array(sent), pq.Array(received), pq.Array(amounts), pq.Array(timestamps),
		)
		if err != nil {
			return fmt.Errorf("insert vote aggregates: %w", err)
		}
	}
	return tx.Commit()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

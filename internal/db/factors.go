package db

import (
	"context"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
)

// ListFactorLinks returns every active factor linked to a dimension
func (db *DB) ListFactorLinks(ctx context.Context) ([]ensemble.FactorLink, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.dimension_slug, l.weight::float8,
		        f.slug, f.name, f.direction, f.scale_min::float8, f.scale_max::float8,
		        f.ideal::float8, f.tolerance::float8, f.weight::float8
		 FROM factor_links l
		 JOIN factors f ON f.slug = l.factor_slug
		 WHERE f.active
		 ORDER BY l.dimension_slug, f.slug`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list factor links: %w", err)
	}
	defer rows.Close()

	var links []ensemble.FactorLink
	for rows.Next() {
		var l ensemble.FactorLink
		f := &l.Factor
		if err := rows.Scan(&l.DimensionSlug, &l.Weight, &f.Slug, &f.Name, &f.Direction,
			&f.ScaleMin, &f.ScaleMax, &f.Ideal, &f.Tolerance, &f.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan factor link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// LatestSnapshots returns the most recent value of every factor for a ticker
func (db *DB) LatestSnapshots(ctx context.Context, ticker string) (map[string]ensemble.Snapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (factor_slug) factor_slug, value::float8, as_of
		 FROM factor_snapshots
		 WHERE ticker = $1
		 ORDER BY factor_slug, as_of DESC`,
		ticker,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list factor snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[string]ensemble.Snapshot)
	for rows.Next() {
		var s ensemble.Snapshot
		if err := rows.Scan(&s.FactorSlug, &s.Value, &s.AsOf); err != nil {
			return nil, fmt.Errorf("failed to scan factor snapshot: %w", err)
		}
		snapshots[s.FactorSlug] = s
	}
	return snapshots, rows.Err()
}

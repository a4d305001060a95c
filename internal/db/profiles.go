package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetProfileRole returns the role stored for a user, empty when no profile exists
func (db *DB) GetProfileRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(role, '') FROM profiles WHERE id = $1`,
		userID,
	).Scan(&role)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get profile role: %w", err)
	}
	return role, nil
}

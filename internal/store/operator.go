package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

// CreateOperator inserts a new API operator account.
func (s *Store) CreateOperator(ctx context.Context, op model.Operator) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO operators (username, password_hash, active, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		op.Username, op.PasswordHash, op.Active, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		slog.Error("failed to create operator", "username", op.Username, "error", err)
		return 0, err
	}
	slog.Info("created operator", "id", id, "username", op.Username)
	return id, nil
}

// GetOperatorByUsername returns an operator by username, or nil if none.
func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (*model.Operator, error) {
	var op model.Operator
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, password_hash, active, created_at
		 FROM operators WHERE username = ?`), username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Active, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// OperatorCount returns the total number of operators.
func (s *Store) OperatorCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&count)
	return count, err
}

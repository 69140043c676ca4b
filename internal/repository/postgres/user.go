package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/notesfed/internal/model"
)

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	db *Connection
}

func NewUserRepository(db *Connection) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (model.User, error) {
	var user model.User
	query := `SELECT id, username, public_key, created_at FROM users WHERE username = $1`

	err := r.db.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by username: %w", err)
	}

	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	var user model.User
	query := `SELECT id, username, public_key, created_at FROM users WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(&user.ID, &user.Username, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by id: %w", err)
	}

	return user, nil
}

func (r *UserRepository) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	query := `SELECT user_id, device_id, public_key, created_at FROM devices WHERE user_id = $1 ORDER BY device_id`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.PublicKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

// Create registers a user in the directory, or updates the public key of an existing username.
func (r *UserRepository) Create(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	query := `INSERT INTO users (id, username, public_key)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (username) DO UPDATE SET public_key = EXCLUDED.public_key
			  RETURNING id, username, public_key, created_at`

	var saved model.User
	err := r.db.QueryRow(ctx, query, user.ID, user.Username, user.PublicKey).Scan(
		&saved.ID, &saved.Username, &saved.PublicKey, &saved.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	return saved, nil
}

// AddDevice registers or replaces a device key of a user.
func (r *UserRepository) AddDevice(ctx context.Context, device model.Device) error {
	query := `INSERT INTO devices (user_id, device_id, public_key)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (user_id, device_id) DO UPDATE SET public_key = EXCLUDED.public_key`

	if _, err := r.db.Exec(ctx, query, device.UserID, device.DeviceID, device.PublicKey); err != nil {
		return fmt.Errorf("failed to add device: %w", err)
	}
	return nil
}

package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/i0switch/personaforge/internal/database"
)

func TestCredentialRepository_FlagRateLimited(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewCredentialRepository(db)
	ctx := context.Background()
	liftAt := time.Now().Add(24 * time.Hour)

	testCases := []struct {
		name        string
		setupMock   func()
		wantFlagged bool
		wantErr     bool
	}{
		{
			name: "unflagged persona is flagged",
			setupMock: func() {
				mock.ExpectExec("UPDATE persona_credentials").
					WithArgs("persona-1", "Application request limit reached", liftAt).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantFlagged: true,
		},
		{
			// Re-flagging must not move the original detection time.
			name: "already flagged persona is untouched",
			setupMock: func() {
				mock.ExpectExec("UPDATE persona_credentials").
					WithArgs("persona-1", "Application request limit reached", liftAt).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantFlagged: false,
		},
		{
			name: "database error returns error",
			setupMock: func() {
				mock.ExpectExec("UPDATE persona_credentials").
					WithArgs("persona-1", "Application request limit reached", liftAt).
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()

			flagged, err := repo.FlagRateLimited(ctx, "persona-1", "Application request limit reached", liftAt)
			if (err != nil) != tc.wantErr {
				t.Errorf("FlagRateLimited() error = %v, wantErr %v", err, tc.wantErr)
			}
			if flagged != tc.wantFlagged {
				t.Errorf("FlagRateLimited() = %v, want %v", flagged, tc.wantFlagged)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestCredentialRepository_ClearRateLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewCredentialRepository(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE persona_credentials").
		WithArgs("persona-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cleared, err := repo.ClearRateLimit(ctx, "persona-1")
	if err != nil {
		t.Fatalf("ClearRateLimit() error = %v", err)
	}
	if !cleared {
		t.Error("ClearRateLimit() = false, want true")
	}

	mock.ExpectExec("UPDATE persona_credentials").
		WithArgs("persona-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	cleared, err = repo.ClearRateLimit(ctx, "persona-2")
	if err != nil {
		t.Fatalf("ClearRateLimit() error = %v", err)
	}
	if cleared {
		t.Error("ClearRateLimit() on unflagged persona = true, want false")
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestCredentialRepository_SweepExpiredRateLimits(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewCredentialRepository(db)
	now := time.Now()

	mock.ExpectExec("UPDATE persona_credentials").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.SweepExpiredRateLimits(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepExpiredRateLimits() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SweepExpiredRateLimits() = %d, want 2", n)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestCredentialRepository_SetExpiry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewCredentialRepository(db)
	expiresAt := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE persona_credentials").
		WithArgs("persona-1", expiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetExpiry(context.Background(), "persona-1", expiresAt); err != nil {
		t.Fatalf("SetExpiry() error = %v", err)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/flowmail/flowmail/internal/service/webhook"
)

func TestResetDeliveryRestartsAttemptBudget(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewWebhookRepo(db)

	mock.ExpectExec(`UPDATE webhook_deliveries SET status = 'pending', error = NULL, attempts = 0`).
		WithArgs("d1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ResetDelivery(context.Background(), "d1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDeliveryOnlyAppliesToFailed(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewWebhookRepo(db)

	// Delivered and in-flight rows do not match the status guard.
	mock.ExpectExec(`UPDATE webhook_deliveries SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ResetDelivery(context.Background(), "d1")
	assert.ErrorIs(t, err, webhook.ErrNotRetryable)
}

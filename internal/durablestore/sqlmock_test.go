package durablestore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
)

// TestStoreChunkWrapsInsertFailure exercises the transactional insert's
// error path against a mocked driver, grounded on
// kernel/internal/audit/streamer_test.go's sqlmock-backed PGStore tests.
func TestStoreChunkWrapsInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	s := &Store{db: db, logger: logging.New("durablestore-test")}

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO records")
	mock.ExpectExec("INSERT INTO records").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if _, err := s.StoreBatch(context.Background(), []models.EnrichedRecord{sampleRecord("did:mock")}); err == nil {
		t.Fatalf("expected insert failure to surface as an error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

package readmodel

import (
	"context"
	"math/big"
	"regexp"
	"testing"

	"question-bounty/internal/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewGormStore(gdb, logger.Discard()), mock
}

func expectLockedQuestion(mock sqlmock.Sqlmock, id uint64) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "questions" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "entry_fee", "status"}).AddRow(id, "1000000", "active"))
}

func TestGormInsertAnswer(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockedQuestion(mock, 4)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(answer_index), -1) FROM "answers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "answers"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "questions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := s.InsertAnswer(context.Background(), NewAnswer{
		QuestionID:       4,
		Responder:        "0xABCD",
		Content:          "forty-two",
		AnswerHash:       "0xhash",
		SubmissionTxHash: "0xtx",
		Fee:              big.NewInt(1000000),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.AnswerIndex)
	assert.Equal(t, "0xabcd", a.Responder)
	assert.NotEmpty(t, a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormInsertAnswerDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockedQuestion(mock, 4)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(answer_index), -1) FROM "answers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "answers"`)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ux_question_responder"})
	mock.ExpectRollback()

	_, err := s.InsertAnswer(context.Background(), NewAnswer{QuestionID: 4, Responder: "0xabcd", SubmissionTxHash: "0xtx"})
	assert.ErrorIs(t, err, ErrDuplicateAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormInsertAnswerUnknownQuestion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "questions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := s.InsertAnswer(context.Background(), NewAnswer{QuestionID: 4, Responder: "0xabcd", SubmissionTxHash: "0xtx"})
	assert.ErrorIs(t, err, ErrQuestionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormApplyReviewRollsBackOnUnknownAnswer(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "answers" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "answers" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ApplyReview(context.Background(), 4, []RewardUpdate{
		{AnswerID: "a", Amount: 60},
		{AnswerID: "b", Amount: 40},
	})
	assert.ErrorIs(t, err, ErrUnknownAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormGetQuestionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "questions" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetQuestion(context.Background(), 99)
	assert.ErrorIs(t, err, ErrQuestionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormHasAnswered(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "answers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	ok, err := s.HasAnswered(context.Background(), 4, "0xABCD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

package sqlstore

import (
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/sla-escrow/x/sla"
)

var (
	manager = common.HexToAddress("0x1000000000000000000000000000000000000001")
	worker  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &sla.SLA{
		Manager:       manager,
		EscrowAmount:  uint256.NewInt(100),
		VerifierStake: uint256.NewInt(10),
		AcceptedBid:   new(uint256.Int),
		State:         sla.StateCreated,
		Description:   "index the archive",
		Bids:          map[common.Address]*uint256.Int{worker: uint256.NewInt(80)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	id, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, manager, got.Manager)
	assert.Equal(t, uint64(80), got.Bids[worker].Uint64())
	assert.Equal(t, "index the archive", got.Description)
	assert.True(t, now.Equal(got.CreatedAt))

	got.State = sla.StateBidding
	got.Worker = worker
	got.AcceptedBid = uint256.NewInt(80)
	require.NoError(t, s.Update(ctx, got))

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sla.StateBidding, again.State)
	assert.Equal(t, worker, again.Worker)

	id, err = s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	next, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	all, err := s.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[1].ID)

	page, err := s.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(1), page[0].ID)
}

func TestStore_NotFound(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()

	_, err := s.Get(ctx, 3)
	require.ErrorIs(t, err, sla.ErrRecordNotFound)

	err = s.Update(ctx, &sla.SLA{ID: 3})
	require.ErrorIs(t, err, sla.ErrRecordNotFound)
}

func TestStore_ListOffsetBeyondInt64(t *testing.T) {
	s := openMemory(t)
	_, err := s.Insert(t.Context(), &sla.SLA{Manager: manager, State: sla.StateCreated})
	require.NoError(t, err)

	page, err := s.List(t.Context(), math.MaxUint64, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	all, err := s.List(t.Context(), 0, math.MaxUint64)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.Get(t.Context(), math.MaxUint64)
	require.ErrorIs(t, err, sla.ErrRecordNotFound)
}

func TestStore_DriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS slas").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(t.Context(), db)
	require.NoError(t, err)

	boom := errors.New("database is locked")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM slas WHERE id = ?")).
		WithArgs(5).
		WillReturnError(boom)
	_, err = s.Get(t.Context(), 5)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, sla.ErrRecordNotFound)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id) + 1, 0) FROM slas")).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(4))
	mock.ExpectExec("INSERT INTO slas").WillReturnError(boom)
	mock.ExpectRollback()
	_, err = s.Insert(t.Context(), &sla.SLA{Manager: manager})
	require.ErrorIs(t, err, boom)

	mock.ExpectExec("UPDATE slas").WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.Update(t.Context(), &sla.SLA{ID: 9})
	require.ErrorIs(t, err, sla.ErrRecordNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only file system"))
	_, err = New(t.Context(), db)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

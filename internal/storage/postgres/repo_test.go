package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheStrul/Sacks-new-sub007/internal/storage"
)

func newMockRepo(t *testing.T, cfg Config) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return newWithPool(mock, cfg), mock
}

func TestEnsureTable(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{Table: "public.props"})

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "public"."props"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "lookup_entries"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, repo.EnsureTable(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_Error(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{})

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	err := repo.EnsureTable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestWriteProperties_Copy(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{Table: "public.props"})

	mock.ExpectCopyFrom(pgx.Identifier{"public", "props"}, storage.PropertyColumns).
		WillReturnResult(2)

	n, err := repo.WriteProperties(context.Background(), []storage.PropertyRow{
		{RowIndex: 0, Property: "Brand", Value: "Chanel"},
		{RowIndex: 0, Property: "SizeUnit", Value: "ml"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.WriteProperties(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadLookups(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{})

	rows := mock.NewRows([]string{"table_name", "input", "output"}).
		AddRow("brands", "dg", "Dolce & Gabbana").
		AddRow("brands", "chanel", "Chanel").
		AddRow("units", "ml", "ml")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "table_name", "input", "output" FROM "lookup_entries"`)).
		WillReturnRows(rows)

	got, err := repo.LoadLookups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		"brands": {"dg": "Dolce & Gabbana", "chanel": "Chanel"},
		"units":  {"ml": "ml"},
	}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveLookups_Upsert(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{LookupTable: "ref.lookups"})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TEMP TABLE "tmp_ref_lookups"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"tmp_ref_lookups"}, storage.LookupColumns).
		WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "ref"."lookups"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := repo.SaveLookups(context.Background(), map[string]map[string]string{
		"brands": {"dg": "D&G", "chanel": "Chanel"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveLookups_RollbackOnCopyError(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{})

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"tmp_lookup_entries"}, storage.LookupColumns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.SaveLookups(context.Background(), map[string]map[string]string{"units": {"ml": "ml"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into temp")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveLookups_Empty(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t, Config{})

	n, err := repo.SaveLookups(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `"public"."props"`, pgFQN("public.props"))
	assert.Equal(t, `"a""b"`, pgIdent(`a"b`))
	assert.Equal(t, pgx.Identifier{"s", "t"}, splitFQN("s.t"))
	assert.Equal(t, pgx.Identifier{"t"}, splitFQN(".t"))
}

// TestAdapterRegistration stubs newRepository so storage.New reaches the
// adapter without a server.
func TestAdapterRegistration(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	var (
		gotCfg Config
		closed int
	)
	newRepository = func(_ context.Context, cfg Config) (*Repository, func(), error) {
		gotCfg = cfg
		return &Repository{}, func() { closed++ }, nil
	}

	repo, err := storage.New(context.Background(), "postgres", storage.Config{
		DSN:   "postgresql://u:p@localhost:5432/db?sslmode=disable",
		Table: "public.props",
	})
	require.NoError(t, err)
	assert.Equal(t, "public.props", gotCfg.Table)
	assert.Equal(t, storage.DefaultLookupTable, gotCfg.LookupTable)

	repo.Close()
	assert.Equal(t, 1, closed)
}

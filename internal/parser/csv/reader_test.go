package csv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
	"github.com/TheStrul/Sacks-new-sub007/internal/parser"
)

// fakeRC records whether Close was forwarded.
type fakeRC struct {
	io.Reader
	closed bool
}

func (f *fakeRC) Close() error { f.closed = true; return nil }

type lineErr struct {
	line int
	msg  string
}

func streamAll(t *testing.T, body string, opt Options) (*Reader, []parser.Row, []lineErr) {
	t.Helper()
	opt.Logger = logger.NewNop()
	src := &fakeRC{Reader: strings.NewReader(body)}
	r := NewReader(src, opt)

	out := make(chan parser.Row, 64)
	var errs []lineErr
	err := r.Stream(context.Background(), out, func(line int, err error) {
		errs = append(errs, lineErr{line, err.Error()})
	})
	require.NoError(t, err)
	close(out)
	require.True(t, src.closed, "Stream closes its source")

	var rows []parser.Row
	for row := range out {
		rows = append(rows, row)
	}
	return r, rows, errs
}

func TestReader_HeaderNormalization(t *testing.T) {
	t.Parallel()

	opt := DefaultOptions()
	opt.HeaderMap = map[string]string{"Code": "SupplierCode"}
	body := "\uFEFFDescription , Code,\n Dolce and Gabbana EDP 100 mL ,CHANEL:MENS|TESTER:T123,x\n"

	r, rows, errs := streamAll(t, body, opt)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"Description", "SupplierCode", "col_2"}, r.Header())
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, map[string]string{
		"Description":  "Dolce and Gabbana EDP 100 mL",
		"SupplierCode": "CHANEL:MENS|TESTER:T123",
		"col_2":        "x",
	}, rows[0].Cells)
}

func TestReader_SoftErrors(t *testing.T) {
	t.Parallel()

	body := "id,name\n1,a\"b\n2,ok\n3\n,\n4,x,extra\n"

	t.Run("bare quote is reported and skipped", func(t *testing.T) {
		t.Parallel()
		opt := DefaultOptions()
		opt.LazyQuotes = false
		_, rows, errs := streamAll(t, body, opt)
		require.Len(t, errs, 1)
		assert.Equal(t, 2, errs[0].line)
		var ids []string
		for _, r := range rows {
			ids = append(ids, r.Cells["id"])
		}
		assert.Equal(t, []string{"2", "3", "4"}, ids, "blank records are dropped")
		assert.Equal(t, map[string]string{"id": "3"}, rows[1].Cells, "short rows leave cells absent")
		assert.Equal(t, map[string]string{"id": "4", "name": "x"}, rows[2].Cells, "extra cells are ignored")
	})

	t.Run("strict width", func(t *testing.T) {
		t.Parallel()
		opt := DefaultOptions()
		opt.StrictWidth = true
		_, rows, errs := streamAll(t, body, opt)
		assert.Len(t, rows, 2)
		require.Len(t, errs, 2)
		assert.Equal(t, lineErr{4, "incorrect number of fields: expected 2, got 1"}, errs[0])
		assert.Equal(t, 6, errs[1].line)
	})
}

func TestReader_NoHeader(t *testing.T) {
	t.Parallel()

	_, rows, _ := streamAll(t, "a;b\nc;d;e\n", Options{Comma: ';'})
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"col_0": "a", "col_1": "b"}, rows[0].Cells)
	assert.Equal(t, map[string]string{"col_0": "c", "col_1": "d", "col_2": "e"}, rows[1].Cells)
}

func TestReader_EmptyInput(t *testing.T) {
	t.Parallel()

	r, rows, errs := streamAll(t, "", DefaultOptions())
	assert.Nil(t, r.Header())
	assert.Empty(t, rows)
	assert.Empty(t, errs)
}

func TestReader_Replacements(t *testing.T) {
	t.Parallel()

	opt := DefaultOptions()
	opt.LazyQuotes = false
	opt.Replace = []Replacement{{From: ` "v likvidaci""`, To: ` (v likvidaci)"`}}
	body := "name,city\n\"ACME s.r.o. \"v likvidaci\"\",Praha\n"

	_, rows, errs := streamAll(t, body, opt)
	assert.Empty(t, errs)
	require.Len(t, rows, 1)
	assert.Equal(t, "ACME s.r.o. (v likvidaci)", rows[0].Cells["name"])
}

func TestRewriter_AcrossReads(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("xx EDP yy ", 3000)
	w := newRewriter(iotest.OneByteReader(strings.NewReader(in)), Replacement{From: "EDP", To: "Eau de Parfum"})
	got, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, strings.ReplaceAll(in, "EDP", "Eau de Parfum"), string(got))

	var buf bytes.Buffer
	w = newRewriter(strings.NewReader("ab"), Replacement{From: "abc", To: "z"})
	_, err = io.Copy(&buf, w)
	require.NoError(t, err)
	assert.Equal(t, "ab", buf.String(), "a partial match at EOF is flushed")
}

func TestReader_Cancel(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("n\n")
	for i := range 100 {
		fmt.Fprintf(&b, "%d\n", i)
	}
	r := NewReader(io.NopCloser(strings.NewReader(b.String())), DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan parser.Row) // unbuffered: the reader blocks on send
	done := make(chan error, 1)
	go func() { done <- r.Stream(ctx, out, nil) }()

	<-out
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

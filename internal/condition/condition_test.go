package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheStrul/Sacks-new-sub007/internal/state"
)

func newBag() *state.Bag {
	b := state.NewBag("Chanel Bleu EDT 100 ml")
	b.Put("Parts", state.List([]string{"CHANEL", "MENS", "T123"}))
	b.Put("Brand", state.Miss())
	b.SetValue("Gender", "")
	b.Assign("Type", "Tester", 0, "map")
	return b
}

func TestEval(t *testing.T) {
	t.Parallel()

	b := newBag()
	tests := []struct {
		expr string
		want bool
	}{
		{"Parts[0] == 'CHANEL'", true},
		{`Parts[1] == "MENS"`, true},
		{"Parts[1] != 'MENS'", false},
		{"Parts.Length == 3", true},
		{"Parts.Length != 0", true},
		{"Parts.Valid == true", true},
		{"Parts.Valid == TRUE", true},
		{"Brand.Valid == false", true},
		{"Brand.Length == 0", true},
		{"Gender == ''", true},
		{"Missing == ''", true},
		{"Missing[3] == ''", true},
		{"Parts[9] != ''", false},
		{"assign:Type == 'Tester'", true},
		{"assign:Gender == ''", true},
		{"Parts[0] == Parts[0]", true},
		{"'a == b' == 'a == b'", true},
		{"Text != ''", true},
	}
	for _, tt := range tests {
		e, err := Parse(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, e.Eval(b), tt.expr)
	}
}

func TestParse_EmptyIsNoGuard(t *testing.T) {
	t.Parallel()

	e, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.True(t, e.Eval(newBag()))
}

func TestParse_NoOperatorIsFalse(t *testing.T) {
	t.Parallel()

	for _, src := range []string{"Parts[0]", "Parts.Valid", "a = b", "true"} {
		e, err := Parse(src)
		require.NoError(t, err, src)
		require.NotNil(t, e)
		assert.Equal(t, OpNone, e.Op)
		assert.False(t, e.Eval(newBag()), src)
		assert.Equal(t, src, e.String())
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	for _, src := range []string{"'abc == x", "Name == 'abc", `Name == "abc`, "'a'b' == c"} {
		_, err := Parse(src)
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, ErrSyntax), src)
	}
}

func TestParse_MalformedOperandsResolveEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		src        string
		unresolved []string
		want       bool
	}{
		{"Size[x] == '1'", []string{"Size[x]"}, false},
		{"Size[x] == ''", []string{"Size[x]"}, true},
		{"Brand ==", []string{""}, true},
		{"== 'x'", []string{""}, false},
		{"Size[0].a.b == 1", []string{"Size[0].a.b"}, false},
		{"'a'b == c", []string{"'a'b"}, true},
		{"Parts[0] != Parts[x]", []string{"Parts[x]"}, true},
	}
	for _, tt := range tests {
		e, err := Parse(tt.src)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.unresolved, e.Unresolved(), tt.src)
		assert.Equal(t, tt.want, e.Eval(newBag()), tt.src)
	}

	assert.Empty(t, MustParse("Parts[0] == 'CHANEL'").Unresolved())
	assert.Nil(t, (*Expr)(nil).Unresolved())
}

func TestEval_DoesNotMutate(t *testing.T) {
	t.Parallel()

	b := newBag()
	before := b.Journal()
	e := MustParse("Nothing[2].group == ''")
	assert.True(t, e.Eval(b))
	assert.Equal(t, before, b.Journal())
	_, ok := b.Result("Nothing")
	assert.False(t, ok)
}

func TestExpr_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `Parts[0] == "CHANEL"`, MustParse("Parts[0]=='CHANEL'").String())
	assert.Equal(t, "Parts.Length != 0", MustParse("Parts.Length != 0").String())
	assert.Equal(t, "Parts.Length != 0", MustParse("Parts.Length != 0").Source())
}

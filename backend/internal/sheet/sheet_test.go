package sheet

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"
)

func TestCoordKeyRoundTrip(t *testing.T) {
	c := Coord{Row: 12, Col: 3}
	assert.Equal(t, "12_3", c.Key())

	got, err := ParseKey(c.Key())
	assert.Equal(t, nil, err)
	assert.Equal(t, c, got)
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, k := range []string{"", "1", "a_1", "1_b", "-1_0", "0_-2"} {
		_, err := ParseKey(k)
		if !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParseKey(%q) err = %v, want ErrBadKey", k, err)
		}
	}
}

func TestWithValueKeepsStyle(t *testing.T) {
	bold := true
	bg := "#ff0"
	formula := "=A1"
	c := CellContent{Value: "old", ValueType: "number", Formula: &formula, Style: CellStyle{Bold: &bold, BackgroundColor: &bg}}

	got := c.WithValue("new")
	assert.Equal(t, "new", got.Value)
	assert.Equal(t, ValueText, got.ValueType)
	assert.Equal(t, c.Style, got.Style)
	assert.Equal(t, &formula, got.Formula)
	assert.Equal(t, "old", c.Value)
}

func TestMetaContains(t *testing.T) {
	m := Meta{Rows: 2, Cols: 3}
	assert.Equal(t, true, m.Contains(Coord{Row: 1, Col: 2}))
	assert.Equal(t, false, m.Contains(Coord{Row: 2, Col: 0}))
	assert.Equal(t, false, m.Contains(Coord{Row: 0, Col: 3}))
	assert.Equal(t, false, m.Contains(Coord{Row: -1, Col: 0}))
}

func TestPermissionCanEdit(t *testing.T) {
	assert.Equal(t, true, PermOwner.CanEdit())
	assert.Equal(t, true, PermEdit.CanEdit())
	assert.Equal(t, false, PermView.CanEdit())
	assert.Equal(t, false, Permission("").CanEdit())
}

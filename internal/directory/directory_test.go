package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/model"
)

func testDirectory() *Static {
	return NewStatic(Config{
		Contacts: []Contact{
			{ID: "6281", Tags: []string{"VIP", "jakarta"}},
			{ID: "6282", Tags: []string{"jakarta"}},
			{ID: "6283"},
			{ID: "  "},
		},
		Groups: []Group{{ID: "1203@g.us", Name: "Ops Team"}},
	})
}

func TestResolveUnionsSelectors(t *testing.T) {
	d := testDirectory()
	ctx := context.Background()

	got, err := d.Resolve(ctx, model.Selector{IDs: []string{"6289", "6282"}, Tags: []string{"jakarta"}, Groups: []string{"ops team"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"6289", "6282", "6281", "1203@g.us"}, got)

	got, err = d.Resolve(ctx, model.Selector{Tags: []string{"vip"}, Groups: []string{"1203@g.us"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"6281", "1203@g.us"}, got)

	got, err = d.Resolve(ctx, model.Selector{All: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"6281", "6282", "6283"}, got)

	got, err = d.Resolve(ctx, model.Selector{Tags: []string{"unknown"}, Groups: []string{"nope"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, []string{"jakarta", "vip"}, d.Tags())
}

func TestApplyReplacesContents(t *testing.T) {
	d := testDirectory()
	d.Apply(Config{Contacts: []Contact{{ID: "7000", Tags: []string{"new"}}}})
	got, err := d.Resolve(context.Background(), model.Selector{All: true, Tags: []string{"vip"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"7000"}, got)
}

func TestTemplates(t *testing.T) {
	ts := NewTemplates(map[string]model.Content{
		"promo":  {Body: "sale today"},
		"banner": {Kind: model.KindImage},
	})
	ctx := context.Background()

	c, err := ts.Template(ctx, "promo")
	require.NoError(t, err)
	assert.Equal(t, model.KindText, c.Kind)
	assert.Equal(t, "sale today", c.Body)

	_, err = ts.Template(ctx, "banner")
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	_, err = ts.Template(ctx, "missing")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

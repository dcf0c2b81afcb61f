package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderWhereDoesNotMutateReceiver(t *testing.T) {
	base := NewBuilder("cards").Where(WhereClause{"groupId": "g1"})
	derived := base.Where(WhereClause{"status": "done"})

	require.Equal(t, WhereClause{"groupId": "g1"}, base.where)
	require.Equal(t, WhereClause{"groupId": "g1", "status": "done"}, derived.where)
}

func TestBuilderWhereLaterKeyWins(t *testing.T) {
	b := NewBuilder("cards").
		Where(WhereClause{"groupId": "g1"}).
		Where(WhereClause{"groupId": "g2"})

	require.Equal(t, WhereClause{"groupId": "g2"}, b.where)
}

func TestBuilderIncludeDeepMerges(t *testing.T) {
	b := NewBuilder("cards").
		Include(IncludeClause{"group": &IncludeSpec{Where: WhereClause{"archived": false}}}).
		Include(IncludeClause{"group": &IncludeSpec{Limit: 5}})

	spec, ok := b.include["group"].(*IncludeSpec)
	require.True(t, ok)
	require.Equal(t, WhereClause{"archived": false}, spec.Where)
	require.Equal(t, 5, spec.Limit)
}

func TestBuilderLimitReplaces(t *testing.T) {
	b := NewBuilder("cards").Limit(10).Limit(20)
	require.Equal(t, 20, b.limit)
}

func TestHashStableAcrossBuildOrder(t *testing.T) {
	a := NewBuilder("cards").
		Where(WhereClause{"groupId": "g1"}).
		Where(WhereClause{"status": "done"}).
		ToRequest()
	b := NewBuilder("cards").
		Where(WhereClause{"status": "done"}).
		Where(WhereClause{"groupId": "g1"}).
		ToRequest()

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestHashDiffersOnDifferentWhere(t *testing.T) {
	a := NewBuilder("cards").Where(WhereClause{"groupId": "g1"}).ToRequest()
	b := NewBuilder("cards").Where(WhereClause{"groupId": "g2"}).ToRequest()

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestComposeTakesOtherLimitOnlyWhenSet(t *testing.T) {
	base := NewBuilder("cards").Limit(10)
	composed := base.Compose(NewBuilder("cards").Where(WhereClause{"status": "done"}))
	require.Equal(t, 10, composed.limit)

	composed = base.Compose(NewBuilder("cards").Limit(3))
	require.Equal(t, 3, composed.limit)
}

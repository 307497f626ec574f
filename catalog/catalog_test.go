package catalog_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chertdb/chert/catalog"
)

func TestCreateAndLookup(t *testing.T) {
	dir := catalog.NewDirectory()

	cf, err := dir.Create("prices", 16384, 1<<20, 2)
	require.Nil(t, err)
	assert.Equal(t, int32(1), cf.ID)

	_, err = dir.Create("trades", 16384+1<<20, 1<<20, 2)
	require.Nil(t, err)

	var dup catalog.FamilyAlreadyExists
	_, err = dir.Create("prices", 0, 0, 0)
	assert.True(t, errors.As(err, &dup))

	assert.Equal(t, cf, dir.Get("prices"))
	assert.Equal(t, cf, dir.GetByID(1))
	assert.Nil(t, dir.Get("nope"))
	assert.Equal(t, []string{"prices", "trades"}, dir.List())
}

func TestHighWater(t *testing.T) {
	dir := catalog.NewDirectory()
	assert.Equal(t, int64(0), dir.HighWater())

	_, err := dir.Create("a", 4096, 1000, 1)
	require.Nil(t, err)
	_, err = dir.Create("b", 5096, 2000, 1)
	require.Nil(t, err)
	assert.Equal(t, int64(7096), dir.HighWater())
}

func TestSerializeLoadRoundtrip(t *testing.T) {
	dir := catalog.NewDirectory()
	_, err := dir.Create("alpha", 8192, 1<<16, 2)
	require.Nil(t, err)
	_, err = dir.Create("beta", 8192+1<<16, 1<<16, 2)
	require.Nil(t, err)

	buf, err := dir.Serialize()
	require.Nil(t, err)

	loaded := catalog.NewDirectory()
	require.Nil(t, loaded.Load(buf))
	assert.Equal(t, dir.List(), loaded.List())
	assert.Equal(t, dir.Get("alpha"), loaded.Get("alpha"))
	assert.Equal(t, dir.HighWater(), loaded.HighWater())

	// ID assignment continues past the loaded families.
	cf, err := loaded.Create("gamma", 0, 0, 0)
	require.Nil(t, err)
	assert.Equal(t, int32(3), cf.ID)
}

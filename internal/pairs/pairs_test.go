package pairs

import (
	"context"
	"errors"
	"testing"

	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCounter struct {
	counts map[string]int
	err    error
	calls  int
}

func (m *mapCounter) CountActive(_ context.Context, storeID, vendorID string) (int, error) {
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[storeID+"|"+vendorID], nil
}

var (
	testStores = []Store{
		{ID: "s1", Name: "Downtown"},
		{ID: "s2", Name: "Outlet"},
	}
	testVendors = []Vendor{
		{ID: "v1", Name: "Acme"},
		{ID: "v2", Name: "Globex"},
		{ID: "v3", Name: "Initech"},
	}
)

func TestGenerate_FiltersUnmapped(t *testing.T) {
	counter := &mapCounter{counts: map[string]int{
		"s1|v2": 4,
		"s2|v1": 1,
		"s2|v3": 12,
	}}

	got, err := Generate(context.Background(), testStores, testVendors, false, counter)
	require.NoError(t, err)

	assert.Equal(t, []SyncPair{
		{StoreID: "s1", VendorID: "v2", StoreName: "Downtown", VendorName: "Globex", MappingCount: 4},
		{StoreID: "s2", VendorID: "v1", StoreName: "Outlet", VendorName: "Acme", MappingCount: 1},
		{StoreID: "s2", VendorID: "v3", StoreName: "Outlet", VendorName: "Initech", MappingCount: 12},
	}, got)
	assert.Equal(t, 6, counter.calls)
}

func TestGenerate_IncludeUnmappedKeepsNestedOrder(t *testing.T) {
	counter := &mapCounter{counts: map[string]int{"s2|v2": 3}}

	got, err := Generate(context.Background(), testStores, testVendors, true, counter)
	require.NoError(t, err)
	require.Len(t, got, 6)

	order := make([]string, 0, len(got))
	for _, p := range got {
		order = append(order, p.StoreID+"/"+p.VendorID)
	}
	assert.Equal(t, []string{"s1/v1", "s1/v2", "s1/v3", "s2/v1", "s2/v2", "s2/v3"}, order)
	assert.Equal(t, 3, got[4].MappingCount)
	assert.Equal(t, 0, got[0].MappingCount)
}

func TestGenerate_EmptyIsValidationError(t *testing.T) {
	counter := &mapCounter{counts: map[string]int{}}

	got, err := Generate(context.Background(), testStores, testVendors, false, counter)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrNoSyncPairs)
	assert.True(t, failure.IsValidation(err))

	_, err = Generate(context.Background(), nil, testVendors, true, counter)
	assert.ErrorIs(t, err, ErrNoSyncPairs)
}

func TestGenerate_CounterError(t *testing.T) {
	boom := errors.New("db down")
	counter := &mapCounter{err: boom}

	_, err := Generate(context.Background(), testStores, testVendors, true, counter)
	assert.ErrorIs(t, err, boom)
	assert.False(t, failure.IsValidation(err))
	assert.Equal(t, 1, counter.calls)
}

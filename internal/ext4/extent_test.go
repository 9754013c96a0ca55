package ext4

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtentTreeInlineRoundTrip(t *testing.T) {
	extents := []Extent{
		{LogicalBlock: 0, PhysicalBlock: 100, Length: 2},
		{LogicalBlock: 2, PhysicalBlock: 500, Length: 1},
	}
	tree, err := EncodeExtentTree(extents, DefaultBlockSize, func() (uint64, []byte, error) {
		t.Fatal("inline case must not allocate an index block")
		return 0, nil, nil
	})
	require.NoError(t, err)

	got, err := DecodeExtentTree(tree, func(uint64) ([]byte, error) {
		t.Fatal("inline case must not read an index block")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, extents, got)
}

func TestExtentTreeOverflowsToIndexBlock(t *testing.T) {
	var extents []Extent
	for i := 0; i < 10; i++ {
		extents = append(extents, Extent{LogicalBlock: uint32(i), PhysicalBlock: uint64(1000 + i*10), Length: 1})
	}

	blocks := map[uint64][]byte{}
	var nextBlockNum uint64 = 5000
	allocFn := func() (uint64, []byte, error) {
		num := nextBlockNum
		nextBlockNum++
		buf := make([]byte, DefaultBlockSize)
		blocks[num] = buf
		return num, buf, nil
	}

	tree, err := EncodeExtentTree(extents, DefaultBlockSize, allocFn)
	require.NoError(t, err)
	require.Len(t, blocks, 1, "more than extentsPerInode extents must allocate exactly one index block")

	readFn := func(num uint64) ([]byte, error) { return blocks[num], nil }
	got, err := DecodeExtentTree(tree, readFn)
	require.NoError(t, err)
	require.Equal(t, extents, got)
}

func TestExtentTreeRejectsUnsupportedDepth(t *testing.T) {
	maxLeaf := maxLeafExtentsPerBlock(DefaultBlockSize)
	var extents []Extent
	for i := 0; i < maxLeaf+1; i++ {
		extents = append(extents, Extent{LogicalBlock: uint32(i), PhysicalBlock: uint64(i + 1), Length: 1})
	}
	_, err := EncodeExtentTree(extents, DefaultBlockSize, func() (uint64, []byte, error) {
		return 1, make([]byte, DefaultBlockSize), nil
	})
	require.Error(t, err)
}

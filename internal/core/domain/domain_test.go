package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeightRange_Split(t *testing.T) {
	tests := []struct {
		name string
		r    HeightRange
		size uint64
		want []HeightRange
	}{
		{"exact", HeightRange{From: 1, To: 6}, 3, []HeightRange{{1, 3}, {4, 6}}},
		{"remainder", HeightRange{From: 10, To: 14}, 2, []HeightRange{{10, 11}, {12, 13}, {14, 14}}},
		{"single", HeightRange{From: 5, To: 5}, 100, []HeightRange{{5, 5}}},
		{"empty", HeightRange{From: 5, To: 4}, 10, nil},
		{"zero size", HeightRange{From: 1, To: 10}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Split(tt.size))
		})
	}
}

func TestHeightRange(t *testing.T) {
	r := HeightRange{From: 3, To: 7}
	assert.Equal(t, uint64(5), r.Size())
	assert.True(t, r.Contains(3))
	assert.True(t, r.Contains(7))
	assert.False(t, r.Contains(8))
	assert.Equal(t, "3-7", r.String())
}

func TestAddressFromPublicKey(t *testing.T) {
	addr, err := AddressFromPublicKey("")
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4", addr)

	_, err = AddressFromPublicKey("not-hex")
	assert.ErrorIs(t, err, ErrMalformedBlock)
}

func TestAccountDelta(t *testing.T) {
	d := AccountDelta{Address: "a", ProducedBlocks: 1, Rewards: 5}
	sum := d.Add(AccountDelta{Address: "a", PublicKey: "pk", TotalVotesReceived: 7})
	assert.Equal(t, AccountDelta{Address: "a", PublicKey: "pk", ProducedBlocks: 1, Rewards: 5, TotalVotesReceived: 7}, sum)

	neg := sum.Negate()
	assert.Equal(t, int64(-7), neg.TotalVotesReceived)
	assert.Empty(t, neg.PublicKey)
	assert.True(t, AccountDelta{Address: "a"}.IsZero())
	assert.False(t, neg.IsZero())
}

func TestSurrogateIDsAreStable(t *testing.T) {
	assert.Equal(t, VoteTempID("tx", "d"), VoteTempID("tx", "d"))
	assert.NotEqual(t, VoteTempID("tx", "d"), VoteAggregateID("tx", "d"))
	assert.NotEqual(t, VoteAggregateID("a", "b"), VoteAggregateID("b", "a"))
}

func TestBlock_Validate(t *testing.T) {
	b := &Block{Height: 2, ID: "b2", GeneratorPublicKey: "pk", GeneratorAddress: "addr"}
	require.NoError(t, b.Validate())

	b.Transactions = []*Transaction{{ID: "t1", ModuleAssetID: ModuleAssetVoteDelegate, SenderPublicKey: "pk", BlockID: "b2", Height: 2}}
	assert.ErrorIs(t, b.Validate(), ErrMalformedBlock)

	var nilBlock *Block
	assert.ErrorIs(t, nilBlock.Validate(), ErrMalformedBlock)
}

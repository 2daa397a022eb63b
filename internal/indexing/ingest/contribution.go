package ingest

import (
	"fmt"
	"sort"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// Contribution is everything one block adds to the index: the child rows it
// owns and the counter deltas it applies.
type Contribution struct {
	Transactions    []*domain.Transaction
	Multisignatures []*domain.Multisignature
	Votes           []*domain.Vote

	// Aggregates holds one delta per (sender, delegate) pair, sorted by ID.
	Aggregates []*domain.VoteAggregate

	// Accounts holds one delta per address, sorted by address.
	Accounts []domain.AccountDelta

	// AccountInfo holds delegate registrations, sorted by address.
	AccountInfo []*domain.Account
}

// Contribute derives the rows and deltas of a validated block.
func Contribute(block *domain.Block) (*Contribution, error) {
	c := &Contribution{Transactions: block.Transactions}

	accounts := map[string]domain.AccountDelta{}
	addDelta := func(d domain.AccountDelta) {
		cur, ok := accounts[d.Address]
		if !ok {
			cur = domain.AccountDelta{Address: d.Address}
		}
		accounts[d.Address] = cur.Add(d)
	}
	aggregates := map[string]*domain.VoteAggregate{}
	info := map[string]*domain.Account{}

	addDelta(domain.AccountDelta{
		Address:        block.GeneratorAddress,
		PublicKey:      block.GeneratorPublicKey,
		ProducedBlocks: 1,
		Rewards:        block.Reward,
	})

	for _, tx := range block.Transactions {
		addDelta(domain.AccountDelta{Address: tx.SenderAddress, PublicKey: tx.SenderPublicKey})

		switch tx.ModuleAssetID {
		case domain.ModuleAssetVoteDelegate:
			votes := mergeVotes(tx)
			for _, v := range votes {
				c.Votes = append(c.Votes, v)

				id := domain.VoteAggregateID(v.SentAddress, v.ReceivedAddress)
				agg, ok := aggregates[id]
				if !ok {
					agg = &domain.VoteAggregate{
						ID:              id,
						SentAddress:     v.SentAddress,
						ReceivedAddress: v.ReceivedAddress,
					}
					aggregates[id] = agg
				}
				agg.Amount += v.Amount
				agg.Timestamp = max(agg.Timestamp, v.Timestamp)

				addDelta(domain.AccountDelta{Address: v.ReceivedAddress, TotalVotesReceived: v.Amount})
			}

		case domain.ModuleAssetRegisterDelegate:
			info[tx.SenderAddress] = &domain.Account{
				Address:    tx.SenderAddress,
				PublicKey:  tx.SenderPublicKey,
				IsDelegate: true,
				Username:   tx.Asset.Username,
			}

		case domain.ModuleAssetRegisterMultisignature:
			rows, err := multisignatures(tx)
			if err != nil {
				return nil, err
			}
			c.Multisignatures = append(c.Multisignatures, rows...)
		}
	}

	for _, agg := range aggregates {
		if agg.Amount != 0 {
			c.Aggregates = append(c.Aggregates, agg)
		}
	}
	sort.Slice(c.Aggregates, func(i, j int) bool { return c.Aggregates[i].ID < c.Aggregates[j].ID })

	for _, d := range accounts {
		if !d.IsZero() {
			c.Accounts = append(c.Accounts, d)
		}
	}
	sort.Slice(c.Accounts, func(i, j int) bool { return c.Accounts[i].Address < c.Accounts[j].Address })

	for _, a := range info {
		c.AccountInfo = append(c.AccountInfo, a)
	}
	sort.Slice(c.AccountInfo, func(i, j int) bool { return c.AccountInfo[i].Address < c.AccountInfo[j].Address })

	return c, nil
}

// mergeVotes folds repeated instructions for the same delegate into one row,
// since a vote row is keyed by (transaction, delegate).
func mergeVotes(tx *domain.Transaction) []*domain.Vote {
	byDelegate := map[string]*domain.Vote{}
	var order []string
	for _, in := range tx.Asset.Votes {
		v, ok := byDelegate[in.DelegateAddress]
		if !ok {
			v = &domain.Vote{
				TempID:          domain.VoteTempID(tx.ID, in.DelegateAddress),
				ID:              tx.ID,
				SentAddress:     tx.SenderAddress,
				ReceivedAddress: in.DelegateAddress,
				Timestamp:       tx.Timestamp,
			}
			byDelegate[in.DelegateAddress] = v
			order = append(order, in.DelegateAddress)
		}
		v.Amount += in.Amount
	}

	out := make([]*domain.Vote, 0, len(order))
	for _, addr := range order {
		out = append(out, byDelegate[addr])
	}
	return out
}

func multisignatures(tx *domain.Transaction) ([]*domain.Multisignature, error) {
	var rows []*domain.Multisignature
	add := func(keys []string, mandatory bool) error {
		for _, key := range keys {
			member, err := domain.AddressFromPublicKey(key)
			if err != nil {
				return fmt.Errorf("multisignature %s: %w", tx.ID, err)
			}
			rows = append(rows, &domain.Multisignature{
				ID:                 domain.MultisignatureID(tx.ID, member),
				TransactionID:      tx.ID,
				GroupAddress:       tx.SenderAddress,
				MemberAddress:      member,
				IsMandatory:        mandatory,
				NumberOfSignatures: tx.Asset.NumberOfSignatures,
			})
		}
		return nil
	}
	if err := add(tx.Asset.MandatoryKeys, true); err != nil {
		return nil, err
	}
	if err := add(tx.Asset.OptionalKeys, false); err != nil {
		return nil, err
	}
	return rows, nil
}

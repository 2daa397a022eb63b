package domain

import "github.com/google/uuid"

var surrogateNamespace = uuid.MustParse("6f2b6f0e-2c1d-4d8e-9a57-4c1f0b7e93a1")

// Vote is one vote instruction of an indexed transaction.
type Vote struct {
	TempID          string `json:"tempId"`
	ID              string `json:"id"`
	SentAddress     string `json:"sentAddress"`
	ReceivedAddress string `json:"receivedAddress"`
	Amount          int64  `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
}

// VoteAggregate is the running vote total from one account to one delegate.
// When passed to the store, Amount is a delta.
type VoteAggregate struct {
	ID              string `json:"id"`
	SentAddress     string `json:"sentAddress"`
	ReceivedAddress string `json:"receivedAddress"`
	Amount          int64  `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
}

// VoteTempID derives the surrogate key of a vote from (transactionID, receivedAddress).
func VoteTempID(transactionID, receivedAddress string) string {
	return surrogate("vote", transactionID, receivedAddress)
}

// VoteAggregateID derives the surrogate key of an aggregate from (sentAddress, receivedAddress).
func VoteAggregateID(sentAddress, receivedAddress string) string {
	return surrogate("votes_aggregate", sentAddress, receivedAddress)
}

// MultisignatureID derives the surrogate key of a multisignature member row.
func MultisignatureID(transactionID, memberAddress string) string {
	return surrogate("multisignature", transactionID, memberAddress)
}

func surrogate(kind, a, b string) string {
	return uuid.NewSHA1(surrogateNamespace, []byte(kind+"/"+a+"/"+b)).String()
}

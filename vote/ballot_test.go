package vote

import (
	"encoding/hex"
	"fmt"
	"testing"

	uuid "github.com/kthomas/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromeintilalim/VoteChain/merkle"
)

func mustUUID(t *testing.T, str string) uuid.UUID {
	id, err := uuid.FromString(str)
	require.Nil(t, err)
	return id
}

func entryFixture(t *testing.T, positionID, candidateID string) *Entry {
	position := mustUUID(t, positionID)
	candidate := mustUUID(t, candidateID)
	return &Entry{
		PositionID:  &position,
		CandidateID: &candidate,
	}
}

const positionA = "1d2a7d9c-0000-4000-8000-000000000001"
const positionB = "1d2a7d9c-0000-4000-8000-000000000002"
const candidateX = "9f8b6c5d-0000-4000-8000-00000000000a"
const candidateY = "9f8b6c5d-0000-4000-8000-00000000000b"

func TestCanonicalizeVotesIsOrderIndependent(t *testing.T) {
	first := CanonicalizeVotes([]*Entry{
		entryFixture(t, positionA, candidateX),
		entryFixture(t, positionB, candidateY),
	})

	second := CanonicalizeVotes([]*Entry{
		entryFixture(t, positionB, candidateY),
		entryFixture(t, positionA, candidateX),
	})

	assert.Equal(t, first, second, "entry ordering must not leak into the canonical serialization")
}

func TestCanonicalizeVotesFixedFieldOrder(t *testing.T) {
	serialized := CanonicalizeVotes([]*Entry{
		entryFixture(t, positionA, candidateX),
	})

	expected := fmt.Sprintf(`[{"position_id":"%s","candidate_id":"%s"}]`, positionA, candidateX)
	assert.Equal(t, expected, string(serialized))
}

func TestLeafIsDeterministic(t *testing.T) {
	ballot := &Ballot{
		Votes: []*Entry{
			entryFixture(t, positionA, candidateX),
			entryFixture(t, positionB, candidateY),
		},
	}

	assert.Equal(t, hex.EncodeToString(ballot.Leaf()), hex.EncodeToString(ballot.Leaf()))
}

func TestLeavesForEmptyElection(t *testing.T) {
	leaves := Leaves(nil)
	require.Len(t, leaves, 1)
	assert.Equal(t, merkle.DefaultLeaf(), leaves[0])
}

// three voters each select the same candidate for the same position; swapping
// the processing order of voters 2 and 3 must still produce the same root once
// the leaf set is taken in canonical ballot order
func TestRootIsIngestionOrderIndependent(t *testing.T) {
	ballotFor := func(voter string) *Ballot {
		return &Ballot{
			VoterAddress: &voter,
			Votes: []*Entry{
				entryFixture(t, positionA, candidateX),
			},
		}
	}

	b1 := ballotFor("0x01")
	b2 := ballotFor("0x02")
	b3 := ballotFor("0x03")

	first, err := merkle.NewTree(Leaves([]*Ballot{b1, b2, b3})).Root()
	require.Nil(t, err)

	second, err := merkle.NewTree(Leaves([]*Ballot{b1, b3, b2})).Root()
	require.Nil(t, err)

	assert.Equal(t, first, second)
}

func TestTallyAggregatesPerPositionCandidate(t *testing.T) {
	ballots := []*Ballot{
		{Votes: []*Entry{entryFixture(t, positionA, candidateX)}},
		{Votes: []*Entry{entryFixture(t, positionA, candidateX)}},
		{Votes: []*Entry{entryFixture(t, positionA, candidateY), entryFixture(t, positionB, candidateY)}},
	}

	results := Tally(ballots)
	require.Len(t, results, 3)

	assert.Equal(t, mustUUID(t, positionA), results[0].PositionID)
	assert.Equal(t, mustUUID(t, candidateX), results[0].CandidateID)
	assert.Equal(t, 2, results[0].VoteCount)

	assert.Equal(t, mustUUID(t, candidateY), results[1].CandidateID)
	assert.Equal(t, 1, results[1].VoteCount)

	assert.Equal(t, mustUUID(t, positionB), results[2].PositionID)
	assert.Equal(t, 1, results[2].VoteCount)
}

func TestBallotMessageEntries(t *testing.T) {
	message := &ballotMessage{
		JoinCode:     "AB12CD",
		VoterAddress: "0x01",
		Votes: []*selection{
			{PositionID: mustUUID(t, positionA), CandidateID: mustUUID(t, candidateX)},
		},
	}

	entries := message.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, mustUUID(t, positionA), *entries[0].PositionID)
	assert.Equal(t, mustUUID(t, candidateX), *entries[0].CandidateID)

	assert.Equal(t, merkleLeafFor(message), (&Ballot{Votes: entries}).Leaf())
}

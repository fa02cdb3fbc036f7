package vote

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/jinzhu/gorm"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/merkle"
)

// ErrDuplicateVoter is returned when a voter has already cast a ballot in the
// given election; this is a final rejection, not a transient failure
var ErrDuplicateVoter = errors.New("voter has already cast a ballot in this election")

// Ballot is one voter's complete set of selections for one election; ballots
// are append-only -- no update or delete path exists anywhere in this package
type Ballot struct {
	provide.Model

	JoinCode     *string    `sql:"not null" json:"join_code"`
	UserID       *uuid.UUID `sql:"not null;type:uuid" json:"user_id"`
	VoterAddress *string    `sql:"not null" json:"voter_address"`

	Votes []*Entry `gorm:"foreignkey:BallotID" json:"votes"`
}

// TableName returns the name of the ballots table
func (b *Ballot) TableName() string {
	return "ballots"
}

// Entry is a single (position, candidate) selection owned by exactly one ballot
type Entry struct {
	provide.Model

	BallotID    *uuid.UUID `sql:"not null;type:uuid" json:"-"`
	PositionID  *uuid.UUID `sql:"not null;type:uuid" json:"position_id"`
	CandidateID *uuid.UUID `sql:"not null;type:uuid" json:"candidate_id"`
}

// TableName returns the name of the vote entries table
func (e *Entry) TableName() string {
	return "vote_entries"
}

// CanonicalizeVotes returns the canonical serialization of a vote list:
// entries sorted by position id, then candidate id, with fields emitted in
// fixed order. Non-deterministic serialization here would break root
// reproducibility, so no generic JSON marshaling of maps is permitted.
func CanonicalizeVotes(votes []*Entry) []byte {
	sorted := make([]*Entry, len(votes))
	copy(sorted, votes)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi := sorted[i].PositionID.String()
		pj := sorted[j].PositionID.String()
		if pi != pj {
			return pi < pj
		}
		return sorted[i].CandidateID.String() < sorted[j].CandidateID.String()
	})

	buf := &bytes.Buffer{}
	buf.WriteByte('[')
	for i, entry := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `{"position_id":"%s","candidate_id":"%s"}`, entry.PositionID, entry.CandidateID)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Leaf derives the merkle leaf for the ballot from its canonicalized vote list
func (b *Ballot) Leaf() []byte {
	return merkle.HashLeaf(CanonicalizeVotes(b.Votes))
}

// TryInsert persists the ballot if and only if the voter has not already cast
// one in this election. The duplicate check and the insert execute under a
// distributed per-voter lock and a single db transaction; the unique index on
// (join_code, user_id) is a backstop, not the primary guard, because the check
// must be atomic with the caller's accumulator update.
func (b *Ballot) TryInsert(db *gorm.DB) error {
	if b.JoinCode == nil || b.UserID == nil {
		return errors.New("ballot requires a join code and a resolved voter id")
	}

	lockKey := fmt.Sprintf("votechain.ballot.%s.%s", *b.JoinCode, b.UserID)
	return redisutil.WithRedlock(lockKey, func() error {
		tx := db.Begin()
		if tx.Error != nil {
			return tx.Error
		}

		existing := &Ballot{}
		tx.Where("join_code = ? AND user_id = ?", *b.JoinCode, b.UserID).Find(&existing)
		if existing.ID != uuid.Nil {
			tx.Rollback()
			return ErrDuplicateVoter
		}

		result := tx.Create(&b)
		if errs := result.GetErrors(); len(errs) > 0 {
			tx.Rollback()
			return fmt.Errorf("failed to persist ballot for voter %s in election %s; %s", b.UserID, *b.JoinCode, errs[0].Error())
		}

		return tx.Commit().Error
	})
}

// ListByElection returns all ballots for the election in ballot id order with
// their vote entries preloaded; this is the authoritative leaf set ordering
func ListByElection(db *gorm.DB, joinCode string) []*Ballot {
	ballots := make([]*Ballot, 0)
	db.Preload("Votes").Where("join_code = ?", joinCode).Order("id asc").Find(&ballots)
	return ballots
}

// FindByVoter resolves the ballot cast by the given voter in the election, if any
func FindByVoter(db *gorm.DB, joinCode string, userID uuid.UUID) *Ballot {
	b := &Ballot{}
	db.Preload("Votes").Where("join_code = ? AND user_id = ?", joinCode, userID).Find(&b)
	if b.ID == uuid.Nil {
		return nil
	}
	return b
}

// Leaves returns the ordered leaf set for the given ballots; an election with
// no ballots yields the single default leaf so its root is still well-defined
func Leaves(ballots []*Ballot) [][]byte {
	if len(ballots) == 0 {
		return [][]byte{merkle.DefaultLeaf()}
	}

	leaves := make([][]byte, len(ballots))
	for i, ballot := range ballots {
		leaves[i] = ballot.Leaf()
	}
	return leaves
}

// RebuildTree recomputes the full accumulator for the election from the
// current authoritative ballot set. The tree is never updated incrementally;
// this trades O(n) recomputation per vote for determinism and auditability.
func RebuildTree(db *gorm.DB, joinCode string) *merkle.Tree {
	return merkle.NewTree(Leaves(ListByElection(db, joinCode)))
}

// CurrentRoot recomputes the election's root from the live ballot store
func CurrentRoot(db *gorm.DB, joinCode string) (string, error) {
	root, err := RebuildTree(db, joinCode).Root()
	if err != nil {
		return "", err
	}

	cacheKey := fmt.Sprintf("votechain.root.%s", joinCode)
	if cacheErr := redisutil.Set(cacheKey, root, nil); cacheErr != nil {
		common.Log.Debugf("failed to cache current root for election %s; %s", joinCode, cacheErr.Error())
	}

	return root, nil
}

// Result is one row of an election tally
type Result struct {
	PositionID     uuid.UUID `json:"position_id"`
	CandidateID    uuid.UUID `json:"candidate_id"`
	CandidateName  *string   `json:"candidate_name,omitempty"`
	CandidateImage *string   `json:"candidate_image,omitempty"`
	VoteCount      int       `json:"vote_count"`
}

// Tally aggregates vote counts per (position, candidate) pair over the given
// ballots; ordering is canonical so repeated tallies are comparable
func Tally(ballots []*Ballot) []*Result {
	counts := map[string]*Result{}
	for _, ballot := range ballots {
		for _, entry := range ballot.Votes {
			key := fmt.Sprintf("%s:%s", entry.PositionID, entry.CandidateID)
			if _, ok := counts[key]; !ok {
				counts[key] = &Result{
					PositionID:  *entry.PositionID,
					CandidateID: *entry.CandidateID,
				}
			}
			counts[key].VoteCount++
		}
	}

	results := make([]*Result, 0, len(counts))
	for _, result := range counts {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].PositionID.String() != results[j].PositionID.String() {
			return results[i].PositionID.String() < results[j].PositionID.String()
		}
		return results[i].CandidateID.String() < results[j].CandidateID.String()
	})
	return results
}

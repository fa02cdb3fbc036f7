package election

import (
	"fmt"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/jeromeintilalim/VoteChain/common"
)

// Election is the read model for an election joined by its human-shareable
// code. Elections are created and administered by a collaborator service; the
// pipeline only reads them and the anchor finalizer is the sole writer of
// MerkleRoot.
type Election struct {
	provide.Model

	Title       *string `json:"title"`
	Description *string `json:"description,omitempty"`
	JoinCode    *string `sql:"not null" json:"join_code"`
	MerkleRoot  *string `json:"merkle_root,omitempty"`
}

// TableName returns the name of the elections table
func (e *Election) TableName() string {
	return "elections"
}

// Position read model; owned by the collaborator CRUD layer
type Position struct {
	provide.Model

	ElectionID *uuid.UUID `sql:"not null;type:uuid" json:"election_id"`
	Title      *string    `json:"title"`
}

// TableName returns the name of the positions table
func (p *Position) TableName() string {
	return "positions"
}

// Candidate read model; owned by the collaborator CRUD layer
type Candidate struct {
	provide.Model

	PositionID *uuid.UUID `sql:"not null;type:uuid" json:"position_id"`
	Name       *string    `json:"name"`
	ImageURL   *string    `json:"image_url,omitempty"`
}

// TableName returns the name of the candidates table
func (c *Candidate) TableName() string {
	return "candidates"
}

// User is the minimal voter identity read model; account management, sessions
// and KYC live in the collaborator service
type User struct {
	provide.Model

	WalletAddress *string `sql:"not null" json:"wallet_address"`
}

// TableName returns the name of the users table
func (u *User) TableName() string {
	return "users"
}

// FindByJoinCode resolves an election by its join code
func FindByJoinCode(db *gorm.DB, joinCode string) *Election {
	e := &Election{}
	db.Where("join_code = ?", joinCode).Find(&e)
	if e.ID == uuid.Nil {
		return nil
	}
	return e
}

// FindVoter resolves a voter by wallet address; the intake worker uses this to
// bind a ballot to its registered voter
func FindVoter(db *gorm.DB, walletAddress string) *User {
	u := &User{}
	db.Where("lower(wallet_address) = lower(?)", walletAddress).Find(&u)
	if u.ID == uuid.Nil {
		return nil
	}
	return u
}

// FindCandidate resolves a candidate read model by id
func FindCandidate(db *gorm.DB, candidateID uuid.UUID) *Candidate {
	c := &Candidate{}
	db.Where("id = ?", candidateID).Find(&c)
	if c.ID == uuid.Nil {
		return nil
	}
	return c
}

// ValidSelection returns nil if the given (position, candidate) pair
// references entities belonging to the given election
func ValidSelection(db *gorm.DB, electionID, positionID, candidateID uuid.UUID) error {
	position := &Position{}
	db.Where("id = ? AND election_id = ?", positionID, electionID).Find(&position)
	if position.ID == uuid.Nil {
		return fmt.Errorf("position %s does not belong to election %s", positionID, electionID)
	}

	candidate := &Candidate{}
	db.Where("id = ? AND position_id = ?", candidateID, positionID).Find(&candidate)
	if candidate.ID == uuid.Nil {
		return fmt.Errorf("candidate %s is not on the ballot for position %s", candidateID, positionID)
	}

	return nil
}

// SetMerkleRoot records the ledger-confirmed root on the election; only the
// anchor finalizer calls this
func (e *Election) SetMerkleRoot(db *gorm.DB, root string) error {
	result := db.Model(&Election{}).Where("id = ?", e.ID).Update("merkle_root", root)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to update merkle root for election: %s", e.ID)
	}

	e.MerkleRoot = common.StringOrNil(root)
	return nil
}

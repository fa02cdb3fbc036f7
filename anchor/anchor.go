package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/jeromeintilalim/VoteChain/archive"
	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/election"
	"github.com/jeromeintilalim/VoteChain/ledger"
)

const statusPending = "pending"
const statusCompleted = "completed"
const statusFailed = "failed"

// ErrAlreadyTerminal is returned on attempts to transition a record out of a
// terminal state; completed and failed records are never mutated again
var ErrAlreadyTerminal = errors.New("anchor record is already in a terminal state")

// Record tracks one anchoring attempt from creation by the intake worker
// through ledger confirmation and archive snapshotting. Only the finalizer
// mutates a record, and only while it is pending -- with the single exception
// of the archive handle, which may land after the ledger confirmation when the
// archive was unavailable at confirm time.
type Record struct {
	provide.Model

	JoinCode     *string `sql:"not null" json:"join_code"`
	ElectionID   *string `sql:"not null" json:"election_id"`
	VoterAddress *string `sql:"not null" json:"voter_address"`
	Root         *string `sql:"not null" gorm:"column:merkle_root" json:"merkle_root"`

	Status        *string `sql:"not null;default:'pending'" json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`

	GasFee          *float64 `json:"gas_fee,omitempty"`
	TransactionHash *string  `json:"transaction_hash,omitempty"`
	ArchiveHash     *string  `json:"archive_hash,omitempty"`

	// set while a ledger-confirmed record awaits its archive copy
	ArchivePending bool `sql:"not null;default:false" json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the name of the anchor records table
func (r *Record) TableName() string {
	return "anchor_records"
}

// Snapshot is one entry in the append-only history of published results; the
// latest snapshot per election is authoritative for read queries
type Snapshot struct {
	provide.Model

	JoinCode    *string `sql:"not null" json:"join_code"`
	Root        *string `sql:"not null" gorm:"column:merkle_root" json:"merkle_root"`
	ArchiveHash *string `sql:"not null" json:"archive_hash"`
}

// TableName returns the name of the archive snapshots table
func (s *Snapshot) TableName() string {
	return "archive_snapshots"
}

// ElectionID derives the ledger-side election identifier from the join code.
// The deployed contract keys roots by this hash rather than the election's
// numeric id.
func ElectionID(joinCode string) string {
	return common.SHA256(joinCode)
}

// CreateRecord inserts a pending anchor record carrying the freshly recomputed
// root; called by the intake worker exactly once per accepted ballot
func CreateRecord(db *gorm.DB, joinCode, voterAddress, root string) (*Record, error) {
	record := &Record{
		JoinCode:     common.StringOrNil(joinCode),
		ElectionID:   common.StringOrNil(ElectionID(joinCode)),
		VoterAddress: common.StringOrNil(voterAddress),
		Root:         common.StringOrNil(root),
		Status:       common.StringOrNil(statusPending),
	}

	result := db.Create(&record)
	if errs := result.GetErrors(); len(errs) > 0 {
		return nil, fmt.Errorf("failed to create anchor record for election %s; %s", joinCode, errs[0].Error())
	}

	common.Log.Debugf("created pending anchor record %s for election %s; root: %s", record.ID, joinCode, root)
	return record, nil
}

// Find resolves an anchor record by id
func Find(db *gorm.DB, recordID uuid.UUID) *Record {
	record := &Record{}
	db.Where("id = ?", recordID).Find(&record)
	if record.ID == uuid.Nil {
		return nil
	}
	return record
}

// FindByVoter resolves the most recent anchor record for the given voter and
// election; this backs the voter-facing status poll
func FindByVoter(db *gorm.DB, joinCode, voterAddress string) *Record {
	record := &Record{}
	db.Where("join_code = ? AND lower(voter_address) = lower(?)", joinCode, voterAddress).Order("created_at desc").First(&record)
	if record.ID == uuid.Nil {
		return nil
	}
	return record
}

// LatestCompleted resolves the most recent ledger-confirmed record for the election
func LatestCompleted(db *gorm.DB, joinCode string) *Record {
	record := &Record{}
	db.Where("join_code = ? AND status = ?", joinCode, statusCompleted).Order("updated_at desc").First(&record)
	if record.ID == uuid.Nil {
		return nil
	}
	return record
}

// LatestSnapshot resolves the authoritative published snapshot for the election
func LatestSnapshot(db *gorm.DB, joinCode string) *Snapshot {
	snapshot := &Snapshot{}
	db.Where("join_code = ?", joinCode).Order("created_at desc").First(&snapshot)
	if snapshot.ID == uuid.Nil {
		return nil
	}
	return snapshot
}

// PublicStatus maps the record's internal state to the voter-facing status. A
// ledger-confirmed record whose archive copy has not landed yet reports
// pending progress -- never completed, and never failed.
func (r *Record) PublicStatus() string {
	if r.Status != nil && *r.Status == statusCompleted && r.ArchiveHash == nil {
		return statusPending
	}
	if r.Status == nil {
		return statusPending
	}
	return *r.Status
}

// Confirm transitions the record from pending to completed with the relayed
// transaction hash, then finalizes the archive copy. Re-confirming a completed
// record is a no-op success; confirming a failed record is rejected. The
// transition is linearizable per record via the status-guarded update.
func (r *Record) Confirm(db *gorm.DB, txHash string, gw archive.Gateway) error {
	switch *r.Status {
	case statusFailed:
		return ErrAlreadyTerminal
	case statusCompleted:
		if r.ArchiveHash == nil {
			if err := r.finalizeArchive(db, gw); err != nil {
				if err == archive.ErrUploadFailed {
					scheduleArchiveRetry(r.ID)
					return nil
				}
				return err
			}
		}
		return nil
	}

	result := db.Model(&Record{}).Where("id = ? AND status = ?", r.ID, statusPending).Updates(map[string]interface{}{
		"status":           statusCompleted,
		"transaction_hash": txHash,
		"archive_pending":  true,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// lost the race; reload and apply terminal-state idempotence rules
		reloaded := Find(db, r.ID)
		if reloaded == nil {
			return fmt.Errorf("failed to resolve anchor record %s during confirmation", r.ID)
		}
		*r = *reloaded
		return r.Confirm(db, txHash, gw)
	}

	r.Status = common.StringOrNil(statusCompleted)
	r.TransactionHash = common.StringOrNil(txHash)
	r.ArchivePending = true

	common.Log.Debugf("anchor record %s confirmed on ledger; tx hash: %s", r.ID, txHash)

	if err := r.finalizeArchive(db, gw); err != nil {
		if err == archive.ErrUploadFailed {
			// held in completed-pending-archive; retried by the finalizer
			// consumer, never rolled back once ledger-confirmed
			scheduleArchiveRetry(r.ID)
			return nil
		}
		return err
	}
	return nil
}

// finalizeArchive uploads the snapshot payload for a ledger-confirmed record,
// appends the snapshot and records the confirmed root on the election
func (r *Record) finalizeArchive(db *gorm.DB, gw archive.Gateway) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	contentHash, err := gw.Upload(ctx, map[string]interface{}{
		"join_code":     r.JoinCode,
		"merkle_root":   r.Root,
		"voter_address": r.VoterAddress,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		common.Log.Warningf("archive upload failed for anchor record %s; %s", r.ID, err.Error())
		return archive.ErrUploadFailed
	}

	result := db.Model(&Record{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
		"archive_hash":    contentHash,
		"archive_pending": false,
	})
	if result.Error != nil {
		return result.Error
	}

	r.ArchiveHash = common.StringOrNil(contentHash)
	r.ArchivePending = false

	snapshot := &Snapshot{
		JoinCode:    r.JoinCode,
		Root:        r.Root,
		ArchiveHash: r.ArchiveHash,
	}
	if errs := db.Create(&snapshot).GetErrors(); len(errs) > 0 {
		return fmt.Errorf("failed to append archive snapshot for election %s; %s", *r.JoinCode, errs[0].Error())
	}

	e := election.FindByJoinCode(db, *r.JoinCode)
	if e == nil {
		return fmt.Errorf("failed to resolve election %s while finalizing anchor record %s", *r.JoinCode, r.ID)
	}
	if err := e.SetMerkleRoot(db, *r.Root); err != nil {
		return err
	}

	common.Log.Debugf("anchor record %s finalized; archive hash: %s", r.ID, contentHash)
	return nil
}

func scheduleArchiveRetry(recordID uuid.UUID) {
	payload, _ := json.Marshal(map[string]interface{}{
		"anchor_record_id": recordID.String(),
	})
	_, err := natsutil.NatsJetstreamPublish(natsAnchorArchivePendingSubject, payload)
	if err != nil {
		common.Log.Errorf("failed to schedule archive retry for anchor record %s; %s", recordID, err.Error())
	}
}

// Fail transitions the record from pending to failed with the given reason.
// Failing an already-failed record is a no-op; a ledger-confirmed record can
// never be failed.
func (r *Record) Fail(db *gorm.DB, reason string) error {
	switch *r.Status {
	case statusCompleted:
		return ErrAlreadyTerminal
	case statusFailed:
		return nil
	}

	result := db.Model(&Record{}).Where("id = ? AND status = ?", r.ID, statusPending).Updates(map[string]interface{}{
		"status":         statusFailed,
		"failure_reason": reason,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		reloaded := Find(db, r.ID)
		if reloaded == nil {
			return fmt.Errorf("failed to resolve anchor record %s during failure", r.ID)
		}
		*r = *reloaded
		return r.Fail(db, reason)
	}

	r.Status = common.StringOrNil(statusFailed)
	r.FailureReason = common.StringOrNil(reason)
	return nil
}

// Resubmit creates a fresh pending attempt carrying the same root; the
// underlying ballot is never touched. This is the explicit retry path for
// timed-out ledger submissions.
func (r *Record) Resubmit(db *gorm.DB) (*Record, error) {
	return CreateRecord(db, *r.JoinCode, *r.VoterAddress, *r.Root)
}

// EstimateCost asks the ledger gateway for the anchoring cost and records it
func (r *Record) EstimateCost(db *gorm.DB, gw ledger.Gateway) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	cost, err := gw.EstimateCost(ctx, *r.ElectionID, *r.Root)
	if err != nil {
		return 0, err
	}

	db.Model(&Record{}).Where("id = ?", r.ID).Update("gas_fee", cost)
	r.GasFee = &cost
	return cost, nil
}

// Submit relays a client-signed anchoring transaction through the ledger
// gateway and awaits confirmation under the configured timeout. Rejection is
// terminal; a timeout leaves the record pending for an explicit resubmission
// decided by the caller -- it is never retried automatically because duplicate
// submission risks double-spending funds.
func (r *Record) Submit(db *gorm.DB, lgw ledger.Gateway, agw archive.Gateway, signedTx string) error {
	if *r.Status != statusPending {
		return ErrAlreadyTerminal
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.DefaultLedgerSubmissionTimeout)
	defer cancel()

	receipt, err := lgw.SubmitAndAwait(ctx, *r.ElectionID, *r.Root, signedTx)
	if err == ledger.ErrRejected {
		if failErr := r.Fail(db, "ledger rejected the anchoring transaction"); failErr != nil {
			return failErr
		}
		return err
	}
	if err != nil {
		// unreachable or timed out; the record stays pending
		return err
	}

	if !receipt.Confirmed {
		return ledger.ErrTimeout
	}

	return r.Confirm(db, receipt.TxHash, agw)
}

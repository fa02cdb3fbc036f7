/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"

	"github.com/jeromeintilalim/VoteChain/anchor"
	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/election"
)

const natsDefaultStream = "votechain"

const natsBallotCastSubjectPrefix = "votechain.ballot.cast"
const natsBallotDeadLetterSubject = "votechain.ballot.deadletter"
const ballotCastAckWait = time.Minute * 5

// exactly one in-flight message per election; FIFO processing within the
// election's channel is what makes the full-rebuild accumulator safe without
// additional locking around the per-election working set
const ballotCastMaxInFlight = 1
const ballotCastMaxDeliveries = 10

var ballotSubscriptions sync.Map

// RequireConsumers establishes intake subscriptions for every known election;
// subscriptions for elections joined later are added on first submission
func RequireConsumers() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("vote package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(natsDefaultStream, []string{
		fmt.Sprintf("%s.>", natsDefaultStream),
	})

	db := dbconf.DatabaseConnection()
	elections := make([]*election.Election, 0)
	db.Find(&elections)

	for _, e := range elections {
		if e.JoinCode != nil {
			RequireBallotSubscription(*e.JoinCode)
		}
	}
}

func ballotCastSubject(joinCode string) string {
	return fmt.Sprintf("%s.%s", natsBallotCastSubjectPrefix, joinCode)
}

// RequireBallotSubscription establishes the single intake worker for the
// given election's durable channel; workers for different elections run fully
// in parallel with no shared mutable state
func RequireBallotSubscription(joinCode string) {
	if !common.ConsumeNATSStreamingSubscriptions {
		return
	}

	if _, subscribed := ballotSubscriptions.LoadOrStore(joinCode, true); subscribed {
		return
	}

	var waitGroup sync.WaitGroup

	subject := ballotCastSubject(joinCode)
	natsutil.RequireNatsJetstreamSubscription(&waitGroup,
		ballotCastAckWait,
		subject,
		subject,
		subject,
		consumeBallotCastMsg,
		ballotCastAckWait,
		ballotCastMaxInFlight,
		ballotCastMaxDeliveries,
		nil,
	)
}

// ballotMessage is the queue wire format: the canonical ballot serialization
type ballotMessage struct {
	JoinCode     string       `json:"join_code"`
	VoterAddress string       `json:"voter_address"`
	Votes        []*selection `json:"votes"`
}

type selection struct {
	PositionID  uuid.UUID `json:"position_id"`
	CandidateID uuid.UUID `json:"candidate_id"`
}

func (m *ballotMessage) entries() []*Entry {
	entries := make([]*Entry, len(m.Votes))
	for i, vote := range m.Votes {
		positionID := vote.PositionID
		candidateID := vote.CandidateID
		entries[i] = &Entry{
			PositionID:  &positionID,
			CandidateID: &candidateID,
		}
	}
	return entries
}

func consumeBallotCastMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during ballot intake; %s", r)
			attemptNack(msg, fmt.Sprintf("%s", r))
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS ballot intake message on subject: %s", len(msg.Data), msg.Subject)

	message := &ballotMessage{}
	err := json.Unmarshal(msg.Data, message)
	if err != nil {
		common.Log.Warningf("failed to unmarshal ballot intake message; %s", err.Error())
		deadLetter(msg, "malformed ballot message")
		return
	}

	db := dbconf.DatabaseConnection()

	e := election.FindByJoinCode(db, message.JoinCode)
	if e == nil {
		common.Log.Warningf("failed to resolve election during ballot intake; join code: %s", message.JoinCode)
		attemptNack(msg, "election not found")
		return
	}

	voter := election.FindVoter(db, message.VoterAddress)
	if voter == nil {
		common.Log.Warningf("failed to resolve voter during ballot intake; wallet address: %s", message.VoterAddress)
		attemptNack(msg, "voter not found")
		return
	}

	if len(message.Votes) == 0 {
		common.Log.Warningf("discarding ballot with no selections; join code: %s", message.JoinCode)
		msg.Ack()
		return
	}

	for _, vote := range message.Votes {
		if err := election.ValidSelection(db, e.ID, vote.PositionID, vote.CandidateID); err != nil {
			// invalid selections are not transient; discard rather than requeue
			common.Log.Warningf("discarding ballot with invalid selection; %s", err.Error())
			msg.Ack()
			return
		}
	}

	ballot := &Ballot{
		JoinCode:     common.StringOrNil(message.JoinCode),
		UserID:       &voter.ID,
		VoterAddress: common.StringOrNil(message.VoterAddress),
		Votes:        message.entries(),
	}

	err = ballot.TryInsert(db)
	if err == ErrDuplicateVoter {
		handleDuplicate(db, msg, message, voter.ID)
		return
	}
	if err != nil {
		common.Log.Warningf("failed to persist ballot during intake; %s", err.Error())
		attemptNack(msg, err.Error())
		return
	}

	if !createPendingAnchor(db, message.JoinCode, message.VoterAddress) {
		attemptNack(msg, "failed to create pending anchor record")
		return
	}

	msg.Ack()
}

// handleDuplicate distinguishes an at-least-once redelivery of an already
// persisted ballot from a genuine second ballot by the same voter. The former
// must still produce its anchor record before acking; the latter is discarded
// with the message acknowledged, since a duplicate vote is a final rejection,
// not a transient failure.
func handleDuplicate(db *gorm.DB, msg *nats.Msg, message *ballotMessage, userID uuid.UUID) {
	existing := FindByVoter(db, message.JoinCode, userID)
	if existing == nil {
		attemptNack(msg, "duplicate ballot detected but existing ballot could not be resolved")
		return
	}

	redelivered := bytes.Equal(existing.Leaf(), merkleLeafFor(message))
	if !redelivered {
		common.Log.Warningf("discarding duplicate ballot for voter %s in election %s", userID, message.JoinCode)
		msg.Ack()
		return
	}

	if anchor.FindByVoter(db, message.JoinCode, message.VoterAddress) == nil {
		if !createPendingAnchor(db, message.JoinCode, message.VoterAddress) {
			attemptNack(msg, "failed to create pending anchor record on redelivery")
			return
		}
	}

	msg.Ack()
}

func merkleLeafFor(message *ballotMessage) []byte {
	return (&Ballot{Votes: message.entries()}).Leaf()
}

// createPendingAnchor recomputes the election's root from the full ballot set
// and emits the pending anchor record the finalizer will pick up
func createPendingAnchor(db *gorm.DB, joinCode, voterAddress string) bool {
	root, err := CurrentRoot(db, joinCode)
	if err != nil {
		common.Log.Warningf("failed to recompute root during intake; join code: %s; %s", joinCode, err.Error())
		return false
	}

	_, err = anchor.CreateRecord(db, joinCode, voterAddress, root)
	if err != nil {
		common.Log.Warning(err.Error())
		return false
	}

	return true
}

// deliveriesExhausted reports whether the message has consumed its delivery
// budget; a message without parseable ack metadata is never dead-lettered
func deliveriesExhausted(meta *nats.MsgMetadata, maxDeliveries uint64) bool {
	return meta != nil && meta.NumDelivered >= maxDeliveries
}

// attemptNack requeues the message for redelivery, or dead-letters it when
// its delivery budget is exhausted; an unacknowledged failure is never
// silently dropped
func attemptNack(msg *nats.Msg, reason string) {
	meta, _ := msg.Metadata()
	if deliveriesExhausted(meta, ballotCastMaxDeliveries) {
		deadLetter(msg, reason)
		return
	}

	msg.Nak()
}

func deadLetter(msg *nats.Msg, reason string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"subject": msg.Subject,
		"reason":  reason,
		"body":    string(msg.Data),
	})

	_, err := natsutil.NatsJetstreamPublish(natsBallotDeadLetterSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dead-letter ballot intake message on subject %s; %s", msg.Subject, err.Error())
		msg.Nak()
		return
	}

	common.Log.Warningf("dead-lettered ballot intake message on subject %s; %s", msg.Subject, reason)
	msg.Term()
}

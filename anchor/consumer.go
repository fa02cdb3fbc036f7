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

package anchor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"

	"github.com/jeromeintilalim/VoteChain/archive"
	"github.com/jeromeintilalim/VoteChain/common"
)

const natsDefaultStream = "votechain"

const natsAnchorArchivePendingSubject = "votechain.anchor.archive.pending"
const natsAnchorDeadLetterSubject = "votechain.anchor.deadletter"
const archivePendingAckWait = time.Minute * 5
const archivePendingMaxInFlight = 32
const archivePendingMaxDeliveries = 10

var archiveGateway archive.Gateway

// RequireFinalizer wires the injected archive gateway into the finalizer and
// establishes the archive retry subscription
func RequireFinalizer(gw archive.Gateway) {
	archiveGateway = gw

	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("anchor package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(natsDefaultStream, []string{
		fmt.Sprintf("%s.>", natsDefaultStream),
	})

	var waitGroup sync.WaitGroup

	createNatsArchivePendingSubscriptions(&waitGroup)
}

func createNatsArchivePendingSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			archivePendingAckWait,
			natsAnchorArchivePendingSubject,
			natsAnchorArchivePendingSubject,
			natsAnchorArchivePendingSubject,
			consumeArchivePendingMsg,
			archivePendingAckWait,
			archivePendingMaxInFlight,
			archivePendingMaxDeliveries,
			nil,
		)
	}
}

func consumeArchivePendingMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during archive retry; %s", r)
			attemptNack(msg, fmt.Sprintf("%s", r))
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS archive retry message on subject: %s", len(msg.Data), msg.Subject)

	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal archive retry message; %s", err.Error())
		deadLetter(msg, "malformed archive retry message")
		return
	}

	recordIDStr, recordIDOk := params["anchor_record_id"].(string)
	if !recordIDOk {
		common.Log.Warning("failed to unmarshal anchor_record_id during archive retry message handler")
		deadLetter(msg, "archive retry message missing anchor_record_id")
		return
	}

	recordID, err := uuid.FromString(recordIDStr)
	if err != nil {
		common.Log.Warningf("failed to parse anchor_record_id during archive retry message handler; %s", err.Error())
		deadLetter(msg, "archive retry message carried a malformed anchor_record_id")
		return
	}

	db := dbconf.DatabaseConnection()

	record := Find(db, recordID)
	if record == nil {
		common.Log.Warningf("failed to resolve anchor record during archive retry; record id: %s", recordIDStr)
		attemptNack(msg, "anchor record not found")
		return
	}

	if record.ArchiveHash != nil {
		msg.Ack()
		return
	}

	if err := record.finalizeArchive(db, archiveGateway); err != nil || record.ArchiveHash == nil {
		common.Log.Warningf("archive retry failed for anchor record: %s", record.ID)
		attemptNack(msg, fmt.Sprintf("archive retry failed for anchor record %s", record.ID))
		return
	}

	common.Log.Debugf("archive retry completed for anchor record: %s", record.ID)
	msg.Ack()
}

// deliveriesExhausted reports whether the message has consumed its delivery
// budget; a message without parseable ack metadata is never dead-lettered
func deliveriesExhausted(meta *nats.MsgMetadata, maxDeliveries uint64) bool {
	return meta != nil && meta.NumDelivered >= maxDeliveries
}

// attemptNack requeues the message for redelivery, or dead-letters it when its
// delivery budget is exhausted; a record stuck completed-pending-archive must
// surface to an operator rather than vanish on the final delivery
func attemptNack(msg *nats.Msg, reason string) {
	meta, _ := msg.Metadata()
	if deliveriesExhausted(meta, archivePendingMaxDeliveries) {
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

	_, err := natsutil.NatsJetstreamPublish(natsAnchorDeadLetterSubject, payload)
	if err != nil {
		common.Log.Errorf("failed to dead-letter archive retry message on subject %s; %s", msg.Subject, err.Error())
		msg.Nak()
		return
	}

	common.Log.Errorf("dead-lettered archive retry message on subject %s; %s", msg.Subject, reason)
	msg.Term()
}

package vote

import (
	"encoding/json"
	"sort"

	natsutil "github.com/kthomas/go-natsutil"

	"github.com/jeromeintilalim/VoteChain/common"
)

// Enqueue publishes a validated ballot to the election's durable channel; the
// message body is the canonical ballot serialization, so the consumer and any
// external auditor agree on the bytes that were queued
func Enqueue(message *ballotMessage) error {
	sort.SliceStable(message.Votes, func(i, j int) bool {
		pi := message.Votes[i].PositionID.String()
		pj := message.Votes[j].PositionID.String()
		if pi != pj {
			return pi < pj
		}
		return message.Votes[i].CandidateID.String() < message.Votes[j].CandidateID.String()
	})

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	subject := ballotCastSubject(message.JoinCode)
	_, err = natsutil.NatsJetstreamPublish(subject, payload)
	if err != nil {
		common.Log.Warningf("failed to enqueue ballot on subject %s; %s", subject, err.Error())
		return err
	}

	common.Log.Debugf("enqueued %d-byte ballot on subject: %s", len(payload), subject)
	return nil
}

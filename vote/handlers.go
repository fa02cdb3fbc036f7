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
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	provide "github.com/provideplatform/provide-go/common"

	"github.com/jeromeintilalim/VoteChain/anchor"
	"github.com/jeromeintilalim/VoteChain/archive"
	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/election"
	"github.com/jeromeintilalim/VoteChain/merkle"
)

var archiveGateway archive.Gateway

// InstallAPI registers the ballot intake and result API handlers with gin;
// the archive gateway is constructed by the caller and injected here
func InstallAPI(r *gin.Engine, agw archive.Gateway) {
	archiveGateway = agw

	r.POST("/api/v1/votes", submitBallotHandler)
	r.POST("/api/v1/votes/proof", generateProofHandler)
	r.GET("/api/v1/votes/:joinCode", listBallotsHandler)
	r.GET("/api/v1/votes/:joinCode/results", electionResultsHandler)
	r.GET("/api/v1/elections/:joinCode/root", merkleRootHandler)
}

// submitBallotHandler validates the ballot shape synchronously and enqueues it
// for intake; 202 acknowledges the enqueue, not the tally -- callers poll the
// anchor status endpoint for completion
func submitBallotHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	message := &ballotMessage{}
	err = json.Unmarshal(buf, message)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if message.JoinCode == "" || message.VoterAddress == "" {
		provide.RenderError("join_code and voter_address are required", 422, c)
		return
	}

	if len(message.Votes) == 0 {
		provide.RenderError("ballot requires at least one selection", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()

	e := election.FindByJoinCode(db, message.JoinCode)
	if e == nil {
		provide.RenderError("election not found", 404, c)
		return
	}

	if election.FindVoter(db, message.VoterAddress) == nil {
		provide.RenderError("no voter registered for the given wallet address", 422, c)
		return
	}

	for _, vote := range message.Votes {
		if err := election.ValidSelection(db, e.ID, vote.PositionID, vote.CandidateID); err != nil {
			provide.RenderError(err.Error(), 422, c)
			return
		}
	}

	RequireBallotSubscription(message.JoinCode)

	if err := Enqueue(message); err != nil {
		provide.RenderError("failed to enqueue ballot", 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"message": "ballot queued for intake",
	}, 202, c)
}

func listBallotsHandler(c *gin.Context) {
	db := dbconf.DatabaseConnection()
	query := db.Preload("Votes").Where("join_code = ?", c.Param("joinCode")).Order("id asc")

	ballots := make([]*Ballot, 0)
	provide.Paginate(c, query, &Ballot{}).Find(&ballots)
	provide.Render(ballots, 200, c)
}

// generateProofHandler returns the inclusion proof for the given ballot
// against the election's current root; verification requires no trust in this
// server beyond the root itself
func generateProofHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	message := &ballotMessage{}
	err = json.Unmarshal(buf, message)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if len(message.Votes) == 0 {
		provide.RenderError("ballot requires at least one selection", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()
	tree := RebuildTree(db, message.JoinCode)

	root, err := tree.Root()
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	proof, err := tree.Proof(merkleLeafFor(message))
	if err == merkle.ErrLeafNotFound {
		provide.RenderError(err.Error(), 404, c)
		return
	}
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"merkle_root": root,
		"proof":       proof,
	}, 200, c)
}

// merkleRootHandler recomputes the root from the live ballot store -- the
// authoritative value -- and cross-checks it against the most recent
// ledger-confirmed anchor; divergence is an integrity fault that is surfaced,
// never silently resolved
func merkleRootHandler(c *gin.Context) {
	joinCode := c.Param("joinCode")

	db := dbconf.DatabaseConnection()
	if election.FindByJoinCode(db, joinCode) == nil {
		provide.RenderError("election not found", 404, c)
		return
	}

	root, err := CurrentRoot(db, joinCode)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	if completed := anchor.LatestCompleted(db, joinCode); completed != nil && completed.Root != nil && *completed.Root != root {
		common.Log.Errorf("integrity fault for election %s; live root %s diverges from anchored root %s", joinCode, root, *completed.Root)
		provide.RenderError("integrity fault: live root diverges from the anchored root; manual reconciliation required", 409, c)
		return
	}

	provide.Render(map[string]interface{}{
		"merkle_root": root,
	}, 200, c)
}

// electionResultsHandler serves published results from the latest archive
// snapshot, cross-checked against the live store and the anchored root
func electionResultsHandler(c *gin.Context) {
	joinCode := c.Param("joinCode")

	db := dbconf.DatabaseConnection()
	if election.FindByJoinCode(db, joinCode) == nil {
		provide.RenderError("election not found", 404, c)
		return
	}

	snapshot := anchor.LatestSnapshot(db, joinCode)
	if snapshot == nil {
		provide.RenderError("no published results for this election", 404, c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*30)
	defer cancel()

	archived, err := archiveGateway.Fetch(ctx, *snapshot.ArchiveHash)
	if err != nil {
		provide.RenderError("failed to fetch archived results", 502, c)
		return
	}

	var payload struct {
		JoinCode *string `json:"join_code"`
		Root     *string `json:"merkle_root"`
	}
	if err := json.Unmarshal(archived, &payload); err != nil || payload.JoinCode == nil || *payload.JoinCode != joinCode {
		common.Log.Errorf("integrity fault for election %s; archived payload does not reference this election", joinCode)
		provide.RenderError("integrity fault: archived payload does not reference this election", 409, c)
		return
	}

	liveRoot, err := CurrentRoot(db, joinCode)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	if payload.Root == nil || *payload.Root != *snapshot.Root || *snapshot.Root != liveRoot {
		common.Log.Errorf("integrity fault for election %s; live root %s diverges from snapshot root %s", joinCode, liveRoot, *snapshot.Root)
		provide.RenderError("integrity fault: live root diverges from the published snapshot; manual reconciliation required", 409, c)
		return
	}

	results := Tally(ListByElection(db, joinCode))
	for _, result := range results {
		if candidate := election.FindCandidate(db, result.CandidateID); candidate != nil {
			result.CandidateName = candidate.Name
			result.CandidateImage = candidate.ImageURL
		}
	}

	provide.Render(map[string]interface{}{
		"merkle_root":  liveRoot,
		"archive_hash": snapshot.ArchiveHash,
		"results":      results,
	}, 200, c)
}

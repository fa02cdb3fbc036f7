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

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"

	"github.com/jeromeintilalim/VoteChain/ledger"
)

var ledgerGateway ledger.Gateway

// InstallAPI registers the anchor finalizer API handlers with gin; the ledger
// gateway is constructed by the caller and injected here
func InstallAPI(r *gin.Engine, lgw ledger.Gateway) {
	ledgerGateway = lgw

	r.GET("/api/v1/elections/:joinCode/anchors/:voterAddress", anchorStatusHandler)
	r.GET("/api/v1/anchors/:id/cost", anchorCostHandler)
	r.POST("/api/v1/anchors/:id/confirm", confirmAnchorHandler)
	r.POST("/api/v1/anchors/:id/fail", failAnchorHandler)
	r.POST("/api/v1/anchors/:id/resubmit", resubmitAnchorHandler)
	r.POST("/api/v1/anchors/:id/submit", submitAnchorHandler)
}

func resolveAnchorRecord(c *gin.Context) *Record {
	recordID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("invalid anchor record id", 400, c)
		return nil
	}

	db := dbconf.DatabaseConnection()
	record := Find(db, recordID)
	if record == nil {
		provide.RenderError("anchor record not found", 404, c)
		return nil
	}

	return record
}

// voter-facing status poll; the voter contract is always "poll status", never
// "assume success"
func anchorStatusHandler(c *gin.Context) {
	db := dbconf.DatabaseConnection()

	record := FindByVoter(db, c.Param("joinCode"), c.Param("voterAddress"))
	if record == nil {
		provide.RenderError("no anchoring attempt found for this voter", 404, c)
		return
	}

	status := map[string]interface{}{
		"id":          record.ID,
		"election_id": record.ElectionID,
		"merkle_root": record.Root,
		"status":      record.PublicStatus(),
	}
	if record.TransactionHash != nil {
		status["transaction_hash"] = record.TransactionHash
	}
	if record.ArchiveHash != nil {
		status["archive_hash"] = record.ArchiveHash
	}
	if record.FailureReason != nil {
		status["failure_reason"] = record.FailureReason
	}
	if record.GasFee != nil {
		status["gas_fee"] = record.GasFee
	}

	provide.Render(status, 200, c)
}

func anchorCostHandler(c *gin.Context) {
	record := resolveAnchorRecord(c)
	if record == nil {
		return
	}

	db := dbconf.DatabaseConnection()
	cost, err := record.EstimateCost(db, ledgerGateway)
	if err != nil {
		provide.RenderError(err.Error(), 502, c)
		return
	}

	provide.Render(map[string]interface{}{
		"gas_fee": cost,
	}, 200, c)
}

func confirmAnchorHandler(c *gin.Context) {
	record := resolveAnchorRecord(c)
	if record == nil {
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := map[string]interface{}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	txHash, txHashOk := params["transaction_hash"].(string)
	if !txHashOk {
		provide.RenderError("transaction_hash is required", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()
	err = record.Confirm(db, txHash, archiveGateway)
	if err == ErrAlreadyTerminal {
		provide.RenderError(err.Error(), 409, c)
		return
	}
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(record, 200, c)
}

func failAnchorHandler(c *gin.Context) {
	record := resolveAnchorRecord(c)
	if record == nil {
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := map[string]interface{}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	reason, reasonOk := params["reason"].(string)
	if !reasonOk {
		reason = "anchoring attempt failed"
	}

	db := dbconf.DatabaseConnection()
	err = record.Fail(db, reason)
	if err == ErrAlreadyTerminal {
		provide.RenderError(err.Error(), 409, c)
		return
	}
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(record, 200, c)
}

func resubmitAnchorHandler(c *gin.Context) {
	record := resolveAnchorRecord(c)
	if record == nil {
		return
	}

	db := dbconf.DatabaseConnection()
	attempt, err := record.Resubmit(db)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(attempt, 201, c)
}

func submitAnchorHandler(c *gin.Context) {
	record := resolveAnchorRecord(c)
	if record == nil {
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := map[string]interface{}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	signedTx, signedTxOk := params["signed_tx"].(string)
	if !signedTxOk {
		provide.RenderError("signed_tx is required", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()
	err = record.Submit(db, ledgerGateway, archiveGateway, signedTx)
	switch err {
	case nil:
		provide.Render(record, 200, c)
	case ErrAlreadyTerminal:
		provide.RenderError(err.Error(), 409, c)
	case ledger.ErrTimeout:
		// the record stays pending; retry is an explicit resubmission
		provide.RenderError("ledger confirmation timed out; resubmit explicitly to retry", 408, c)
	case ledger.ErrRejected:
		provide.RenderError("ledger rejected the anchoring transaction", 422, c)
	default:
		provide.RenderError(err.Error(), 502, c)
	}
}

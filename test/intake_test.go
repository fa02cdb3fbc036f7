//go:build integration
// +build integration

package test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromeintilalim/VoteChain/anchor"
	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/election"
	"github.com/jeromeintilalim/VoteChain/vote"
)

var redisOnce sync.Once

func requireTestInfrastructure() {
	redisOnce.Do(func() {
		redisutil.RequireRedis()
	})
}

func electionFixture(t *testing.T) (*election.Election, *election.Position, *election.Candidate) {
	db := dbconf.DatabaseConnection()

	e := &election.Election{
		Title:    common.StringOrNil("student council"),
		JoinCode: common.StringOrNil(common.RandomString(6)),
	}
	require.Empty(t, db.Create(&e).GetErrors())

	position := &election.Position{
		ElectionID: &e.ID,
		Title:      common.StringOrNil("president"),
	}
	require.Empty(t, db.Create(&position).GetErrors())

	candidate := &election.Candidate{
		PositionID: &position.ID,
		Name:       common.StringOrNil("candidate one"),
	}
	require.Empty(t, db.Create(&candidate).GetErrors())

	return e, position, candidate
}

func voterFixture(t *testing.T) *election.User {
	db := dbconf.DatabaseConnection()

	voter := &election.User{
		WalletAddress: common.StringOrNil(fmt.Sprintf("0x%s", common.RandomString(40))),
	}
	require.Empty(t, db.Create(&voter).GetErrors())
	return voter
}

func ballotFixture(joinCode string, userID, positionID, candidateID uuid.UUID, voterAddress string) *vote.Ballot {
	return &vote.Ballot{
		JoinCode:     common.StringOrNil(joinCode),
		UserID:       &userID,
		VoterAddress: common.StringOrNil(voterAddress),
		Votes: []*vote.Entry{{
			PositionID:  &positionID,
			CandidateID: &candidateID,
		}},
	}
}

func countBallots(t *testing.T, joinCode string) int {
	var count int
	db := dbconf.DatabaseConnection()
	require.Empty(t, db.Model(&vote.Ballot{}).Where("join_code = ?", joinCode).Count(&count).GetErrors())
	return count
}

func TestTryInsertRejectsSecondBallot(t *testing.T) {
	requireTestInfrastructure()
	db := dbconf.DatabaseConnection()

	e, position, candidate := electionFixture(t)
	voter := voterFixture(t)

	first := ballotFixture(*e.JoinCode, voter.ID, position.ID, candidate.ID, *voter.WalletAddress)
	require.Nil(t, first.TryInsert(db))

	second := ballotFixture(*e.JoinCode, voter.ID, position.ID, candidate.ID, *voter.WalletAddress)
	assert.Equal(t, vote.ErrDuplicateVoter, second.TryInsert(db))

	assert.Equal(t, 1, countBallots(t, *e.JoinCode))
}

func TestTryInsertSerializesConcurrentDuplicates(t *testing.T) {
	requireTestInfrastructure()
	db := dbconf.DatabaseConnection()

	e, position, candidate := electionFixture(t)
	voter := voterFixture(t)

	attempts := 8
	results := make(chan error, attempts)

	var waitGroup sync.WaitGroup
	for i := 0; i < attempts; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ballot := ballotFixture(*e.JoinCode, voter.ID, position.ID, candidate.ID, *voter.WalletAddress)
			results <- ballot.TryInsert(db)
		}()
	}
	waitGroup.Wait()
	close(results)

	inserted := 0
	duplicates := 0
	for err := range results {
		switch err {
		case nil:
			inserted++
		case vote.ErrDuplicateVoter:
			duplicates++
		default:
			t.Errorf("unexpected ballot insertion failure; %s", err.Error())
		}
	}

	assert.Equal(t, 1, inserted)
	assert.Equal(t, attempts-1, duplicates)
	assert.Equal(t, 1, countBallots(t, *e.JoinCode))
}

func TestResubmitCreatesFreshAttemptWithoutTouchingBallots(t *testing.T) {
	requireTestInfrastructure()
	db := dbconf.DatabaseConnection()

	e, position, candidate := electionFixture(t)
	voter := voterFixture(t)

	ballot := ballotFixture(*e.JoinCode, voter.ID, position.ID, candidate.ID, *voter.WalletAddress)
	require.Nil(t, ballot.TryInsert(db))

	root, err := vote.CurrentRoot(db, *e.JoinCode)
	require.Nil(t, err)

	record, err := anchor.CreateRecord(db, *e.JoinCode, *voter.WalletAddress, root)
	require.Nil(t, err)

	ballotsBefore := countBallots(t, *e.JoinCode)

	attempt, err := record.Resubmit(db)
	require.Nil(t, err)

	assert.NotEqual(t, record.ID, attempt.ID)
	assert.Equal(t, *record.Root, *attempt.Root)
	assert.Equal(t, "pending", *attempt.Status)
	assert.Equal(t, ballotsBefore, countBallots(t, *e.JoinCode))
}

func TestFailAnchorRejectsMalformedPayload(t *testing.T) {
	requireTestInfrastructure()
	db := dbconf.DatabaseConnection()

	e, _, _ := electionFixture(t)
	voter := voterFixture(t)

	record, err := anchor.CreateRecord(db, *e.JoinCode, *voter.WalletAddress, common.SHA256("root"))
	require.Nil(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	anchor.InstallAPI(r, nil)

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/anchors/%s/fail", record.ID), strings.NewReader("{"))
	require.Nil(t, err)
	req.Header.Set("content-type", "application/json")

	recorder := httptest.NewRecorder()
	r.ServeHTTP(recorder, req)
	assert.Equal(t, 422, recorder.Code)

	reloaded := anchor.Find(db, record.ID)
	require.NotNil(t, reloaded)
	assert.Equal(t, "pending", *reloaded.Status)
}

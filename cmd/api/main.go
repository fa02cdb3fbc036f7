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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redisutil "github.com/kthomas/go-redisutil"

	"github.com/jeromeintilalim/VoteChain/anchor"
	"github.com/jeromeintilalim/VoteChain/archive"
	"github.com/jeromeintilalim/VoteChain/common"
	"github.com/jeromeintilalim/VoteChain/ledger"
	"github.com/jeromeintilalim/VoteChain/vote"
)

func main() {
	redisutil.RequireRedis()

	// gateway clients are constructed once here and injected; nothing further
	// down constructs its own HTTP clients or reads credentials ambiently
	ledgerGateway := ledger.NewGateway(common.ResolveLedgerGatewayConfig())
	archiveGateway := archive.NewGateway(common.ResolveArchiveGatewayConfig())

	vote.RequireConsumers()
	anchor.RequireFinalizer(archiveGateway)

	r := gin.New()
	r.Use(gin.Recovery())

	vote.InstallAPI(r, archiveGateway)
	anchor.InstallAPI(r, ledgerGateway)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: r,
	}

	go func() {
		common.Log.Debugf("votechain API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("votechain API server failed; %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	common.Log.Debug("shutting down votechain API")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	srv.Shutdown(ctx)
}

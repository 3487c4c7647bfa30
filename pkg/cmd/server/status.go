// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.


package server

import (
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobStatus is the local state of one job served on /status.
type JobStatus struct {
	JobName    string `json:"job-name"`
	InstanceID string `json:"instance-id"`
	Cron       string `json:"cron"`
	Paused     bool   `json:"paused"`
	Running    bool   `json:"running"`
	Shutdown   bool   `json:"shutdown"`
}

// newStatusRouter creates the read-only router of the status server.
func newStatusRouter(gatherer prometheus.Gatherer, jobs func() []JobStatus) *gin.Engine {
	// discard gin default log output
	gin.DefaultWriter = io.Discard
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	// add gin.Recovery() to handle unexpected panic
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/status", func(c *gin.Context) {
		statuses := jobs()
		sort.Slice(statuses, func(i, j int) bool {
			return statuses[i].JobName < statuses[j].JobName
		})
		c.IndentedJSON(http.StatusOK, statuses)
	})
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

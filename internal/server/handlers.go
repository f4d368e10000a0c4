// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/audit"
	"github.com/your-org/homebuying-assistant/internal/resilience"
)

const auditTimeout = 2 * time.Second

func (s *Server) handleChat(c *gin.Context) {
	body := c.Request.Body
	if s.options.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, s.options.MaxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		abortWithError(c, resilience.NewBadRequestError(resilience.MessageInvalidJSON, err))
		return
	}

	req, err := answer.ParseRequest(c.Request.Method, raw, s.options.Mode)
	if err != nil {
		s.logger.Warn("Rejected chat request",
			zap.Error(err),
			zap.String("request_id", requestID(c)),
		)
		abortWithError(c, err)
		return
	}

	result := s.pipeline.Answer(c.Request.Context(), req)

	if s.metrics != nil {
		s.metrics.ObserveAnswer(result)
	}
	s.audit(c, req, result)

	c.JSON(http.StatusOK, result)
}

// audit stores the outcome. Failures are logged and never affect the
// response.
func (s *Server) audit(c *gin.Context, req *answer.Request, result answer.Result) {
	if s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), auditTimeout)
	defer cancel()

	rec := audit.NewRecord(requestID(c), len(req.Query), c.ClientIP(), result)
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Warn("Failed to record audit entry",
			zap.Error(err),
			zap.String("request_id", requestID(c)),
		)
	}
}

// Copyright (c) 2026 John Earle
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

package helpdesk

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bcem/support-intake/internal/models"
)

// Local records case attempts in the log and never calls out.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates the local provider.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

func (l *Local) Name() string { return "Local" }

func (l *Local) IsConfigured() bool { return true }

func (l *Local) TestConnection(context.Context) bool { return true }

// CreateCase assigns a locally generated id.
func (l *Local) CreateCase(_ context.Context, req models.CaseRequest) (*models.CaseResult, error) {
	id := "local-" + uuid.New().String()

	l.logger.Info("support case recorded locally (not sent to external service)",
		"case_id", id,
		"email", req.Email,
		"attachments", len(req.Attachments),
	)

	raw, _ := json.Marshal(map[string]string{"id": id, "provider": KeyLocal})
	return &models.CaseResult{ID: id, Raw: raw}, nil
}

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

package kayako

import (
	"context"
	"fmt"
)

// resolveRequester returns the Kayako user id for email. Creation is tried
// first; a duplicate-email rejection falls through to a search. Searching
// first would leave a window where another task creates the same user
// between our search and our create.
func (p *Provider) resolveRequester(ctx context.Context, email, name string) (string, error) {
	fullName := name
	if fullName == "" {
		fullName = email
	}

	resp, err := p.postJSON(ctx, "/api/v1/users.json", map[string]any{
		"full_name": fullName,
		"email":     email,
		"role_id":   p.cfg.CustomerRoleID,
	})
	if err != nil {
		return "", err
	}

	if resp.ok() {
		id, err := decodeID(resp.body)
		if err != nil {
			return "", fmt.Errorf("parse user response: %w", err)
		}
		p.logger.Info("kayako user created", "email", email, "user_id", id)
		return id, nil
	}

	if isDuplicateEmail(resp.status, resp.body) {
		p.logger.Info("kayako user already exists, searching by email", "email", email)
		return p.searchRequester(ctx, email)
	}

	p.logger.Error("failed to create kayako requester",
		"email", email,
		"status", resp.status,
		"body", string(resp.body),
	)
	return "", apiError("create requester", resp)
}

// searchRequester finds an existing user by identity email.
func (p *Provider) searchRequester(ctx context.Context, email string) (string, error) {
	resp, err := p.postJSON(ctx, "/api/v1/users/filter.json", emailFilter(email))
	if err != nil {
		return "", err
	}

	if !resp.ok() {
		p.logger.Error("kayako user search failed",
			"email", email,
			"status", resp.status,
			"body", string(resp.body),
		)
		return "", apiError("search requester", resp)
	}

	id, err := firstID(resp.body)
	if err != nil {
		return "", fmt.Errorf("parse user search response: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("kayako reported duplicate email %s but search found no user", email)
	}

	p.logger.Info("kayako found existing user via filter", "email", email, "user_id", id)
	return id, nil
}

// emailFilter builds the nested OR-of-AND predicate Kayako's filter
// endpoint expects.
func emailFilter(email string) map[string]any {
	return map[string]any{
		"predicates": map[string]any{
			"collection_operator": "OR",
			"collections": []map[string]any{
				{
					"proposition_operator": "AND",
					"propositions": []map[string]any{
						{
							"field":    "identityemails.address",
							"operator": "comparison_equalto",
							"value":    email,
						},
					},
				},
			},
		},
	}
}

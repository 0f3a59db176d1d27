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
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeKayako is an in-memory stand-in for the Kayako REST API.
type fakeKayako struct {
	t *testing.T

	mu             sync.Mutex
	users          map[string]int // email -> id
	nextUserID     int
	nextCaseID     int
	tokens         map[string]bool
	tokenCalls     int
	userCreates    int
	userSearches   int
	caseCalls      int
	caseFailures   int // remaining 503 responses for case creation
	caseStatus     int // when non-zero, every case call returns this
	expiresIn      int
	tokenStatus    int
	tokenDelay     time.Duration
	cases          []map[string]any
	caseFiles      []string
	lastCaseAuth   string
	caseRequesters []string
}

func newFakeKayako(t *testing.T) (*fakeKayako, *httptest.Server) {
	f := &fakeKayako{
		t:          t,
		users:      make(map[string]int),
		tokens:     make(map[string]bool),
		nextUserID: 1000,
		nextCaseID: 5000,
		expiresIn:  3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", f.handleToken)
	mux.HandleFunc("/api/v1/users.json", f.authed(f.handleCreateUser))
	mux.HandleFunc("/api/v1/users/filter.json", f.authed(f.handleFilterUsers))
	mux.HandleFunc("/api/v1/cases.json", f.authed(f.handleCreateCase))
	mux.HandleFunc("/api/v1/me.json", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": 1}})
	}))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeKayako) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	delay := f.tokenDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	if f.tokenStatus != 0 {
		writeJSON(w, f.tokenStatus, map[string]any{"error": "invalid_client"})
		return
	}

	if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "client" || r.PostForm.Get("client_secret") != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}

	token := fmt.Sprintf("tok-%d", f.tokenCalls)
	f.tokens[token] = true
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   f.expiresIn,
	})
}

// authed accepts any issued bearer token or the basic credentials
// agent@example.com / pw.
func (f *fakeKayako) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok {
			if user == "agent@example.com" && pass == "pw" {
				next(w, r)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		valid := f.tokens[token]
		f.mu.Unlock()
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakeKayako) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FullName string `json:"full_name"`
		Email    string `json:"email"`
		RoleID   int    `json:"role_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.users[body.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": 400,
			"errors": []map[string]string{
				{"code": "FIELD_DUPLICATE", "parameter": "email", "message": "The value of the field is already in use"},
			},
		})
		return
	}

	f.userCreates++
	f.nextUserID++
	f.users[body.Email] = f.nextUserID
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": 201,
		"data":   map[string]any{"id": f.nextUserID, "full_name": body.FullName, "role_id": body.RoleID},
	})
}

func (f *fakeKayako) handleFilterUsers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Predicates struct {
			CollectionOperator string `json:"collection_operator"`
			Collections        []struct {
				PropositionOperator string `json:"proposition_operator"`
				Propositions        []struct {
					Field    string `json:"field"`
					Operator string `json:"operator"`
					Value    string `json:"value"`
				} `json:"propositions"`
			} `json:"collections"`
		} `json:"predicates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.userSearches++

	var data []map[string]any
	for _, c := range body.Predicates.Collections {
		for _, p := range c.Propositions {
			if p.Field != "identityemails.address" || p.Operator != "comparison_equalto" {
				continue
			}
			if id, ok := f.users[p.Value]; ok {
				data = append(data, map[string]any{"id": id})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": 200, "data": data})
}

func (f *fakeKayako) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{}
	var files []string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		for _, fh := range r.MultipartForm.File["files[]"] {
			file, err := fh.Open()
			if err != nil {
				continue
			}
			data, _ := io.ReadAll(file)
			file.Close()
			files = append(files, fh.Filename+":"+string(data))
		}
	} else if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.caseCalls++
	f.lastCaseAuth = r.Header.Get("Authorization")

	if f.caseStatus != 0 {
		writeJSON(w, f.caseStatus, map[string]any{"status": f.caseStatus})
		return
	}
	if f.caseFailures > 0 {
		f.caseFailures--
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": 503, "errors": []map[string]string{{"code": "SERVICE_UNAVAILABLE"}}})
		return
	}

	f.nextCaseID++
	f.cases = append(f.cases, fields)
	f.caseFiles = append(f.caseFiles, files...)
	f.caseRequesters = append(f.caseRequesters, fmt.Sprint(fields["requester_id"]))
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": 201,
		"data":   map[string]any{"id": f.nextCaseID, "subject": fields["subject"]},
	})
}

func (f *fakeKayako) addUser(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUserID++
	f.users[email] = f.nextUserID
	return f.nextUserID
}

// fakeStats is a point-in-time copy of the fake's counters.
type fakeStats struct {
	tokenCalls     int
	userCreates    int
	userSearches   int
	caseCalls      int
	cases          []map[string]any
	caseFiles      []string
	caseRequesters []string
	lastCaseAuth   string
}

func (f *fakeKayako) snapshot() fakeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeStats{
		tokenCalls:     f.tokenCalls,
		userCreates:    f.userCreates,
		userSearches:   f.userSearches,
		caseCalls:      f.caseCalls,
		cases:          append([]map[string]any(nil), f.cases...),
		caseFiles:      append([]string(nil), f.caseFiles...),
		caseRequesters: append([]string(nil), f.caseRequesters...),
		lastCaseAuth:   f.lastCaseAuth,
	}
}

func (f *fakeKayako) set(fn func(f *fakeKayako)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

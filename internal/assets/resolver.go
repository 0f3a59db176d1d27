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

// Package assets turns the attachment references carried by a submission
// into files on local disk.
//
// A reference is either "container::path/in/container" or a plain path,
// both relative to the configured root. References that escape the root,
// do not exist, or are directories are skipped with a warning.
package assets

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bcem/support-intake/internal/models"
)

const defaultMimeType = "application/octet-stream"

// Resolver maps references under a root directory.
type Resolver struct {
	root   string
	logger *slog.Logger
}

// NewResolver creates a resolver rooted at root.
func NewResolver(root string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{root: filepath.Clean(root), logger: logger}
}

// Resolve returns the resolvable attachments in reference order.
func (r *Resolver) Resolve(refs []string) []models.ResolvedAttachment {
	var out []models.ResolvedAttachment
	for _, ref := range refs {
		a, err := r.resolve(ref)
		if err != nil {
			r.logger.Warn("skipping attachment", "reference", ref, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *Resolver) resolve(ref string) (models.ResolvedAttachment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.ResolvedAttachment{}, fmt.Errorf("empty reference")
	}
	if r.root == "" || r.root == "." {
		return models.ResolvedAttachment{}, fmt.Errorf("no asset root configured")
	}

	rel := ref
	if container, p, ok := strings.Cut(ref, "::"); ok {
		rel = filepath.Join(container, p)
	}

	path := filepath.Join(r.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(r.root, path)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return models.ResolvedAttachment{}, fmt.Errorf("reference escapes asset root")
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.ResolvedAttachment{}, fmt.Errorf("stat asset: %w", err)
	}
	if info.IsDir() {
		return models.ResolvedAttachment{}, fmt.Errorf("asset is a directory")
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	return models.ResolvedAttachment{
		Path:     path,
		Filename: name,
		MimeType: mimeType,
		SourceID: ref,
	}, nil
}

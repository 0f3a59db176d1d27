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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"

	"github.com/bcem/support-intake/internal/models"
)

// openAttachments keeps the attachments whose files are readable. Missing
// files are skipped with a warning; they never fail the case.
func openAttachments(attachments []models.ResolvedAttachment, logger *slog.Logger) []models.ResolvedAttachment {
	var usable []models.ResolvedAttachment
	for _, a := range attachments {
		info, err := os.Stat(a.Path)
		if err != nil || info.IsDir() {
			logger.Warn("skipping unreadable attachment",
				"source_id", a.SourceID,
				"path", a.Path,
				"error", err,
			)
			continue
		}
		usable = append(usable, a)
	}
	return usable
}

// postMultipart sends the case fields and files as multipart/form-data.
func (p *Provider) postMultipart(ctx context.Context, path string, fields caseFields, files []models.ResolvedAttachment) (*response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, kv := range fields.form() {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", kv[0], err)
		}
	}

	attached := 0
	for _, a := range files {
		if err := writeFilePart(w, a); err != nil {
			p.logger.Warn("skipping attachment", "source_id", a.SourceID, "error", err)
			continue
		}
		attached++
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	p.logger.Debug("posting case with attachments", "attachments", attached)

	return p.do(ctx, http.MethodPost, path, &buf, w.FormDataContentType())
}

// writeFilePart reads the whole file before creating its part, so a read
// failure leaves no truncated part in the body.
func writeFilePart(w *multipart.Writer, a models.ResolvedAttachment) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return err
	}

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", multipart.FileContentDisposition("files[]", a.Filename))
	h.Set("Content-Type", mimeType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

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

// Package attachment validates inbound attachments and turns them into
// size-bounded model inputs. Validation is pure and runs before a message is
// claimed; materialization may upload to blob storage and runs after.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/bcem/replydesk/internal/blob"
	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
)

const (
	MaxAudioBytes    = 50 << 20
	MaxDocumentBytes = 25 << 20
	MaxImageBytes    = 10 << 20
)

// allowedTypes maps accepted media types to their kind.
var allowedTypes = map[string]models.AttachmentKind{
	"image/jpeg": models.KindImage,
	"image/jpg":  models.KindImage,
	"image/png":  models.KindImage,

	"application/pdf": models.KindDocument,

	"audio/mp3":    models.KindAudio,
	"audio/mpeg":   models.KindAudio,
	"audio/wav":    models.KindAudio,
	"audio/wave":   models.KindAudio,
	"audio/x-wav":  models.KindAudio,
	"audio/m4a":    models.KindAudio,
	"audio/mp4":    models.KindAudio,
	"audio/aac":    models.KindAudio,
	"audio/x-m4a":  models.KindAudio,
	"audio/flac":   models.KindAudio,
	"audio/x-flac": models.KindAudio,
	"audio/ogg":    models.KindAudio,
	"audio/oga":    models.KindAudio,
	"audio/vorbis": models.KindAudio,
	"audio/aiff":   models.KindAudio,
	"audio/x-aiff": models.KindAudio,
	"audio/aif":    models.KindAudio,
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ErrMaterializeFailed wraps blob storage failures during Materialize.
var ErrMaterializeFailed = errors.New("materialize attachments")

// ValidationError rejects an attachment. It is never retried.
type ValidationError struct {
	FileName string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", e.FileName, e.Reason)
}

// KindOf classifies a media type. ok is false for unsupported types.
func KindOf(mediaType string) (models.AttachmentKind, bool) {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	kind, ok := allowedTypes[mt]
	return kind, ok
}

// Ceiling returns the size limit for a kind.
func Ceiling(kind models.AttachmentKind) int64 {
	switch kind {
	case models.KindAudio:
		return MaxAudioBytes
	case models.KindDocument:
		return MaxDocumentBytes
	default:
		return MaxImageBytes
	}
}

// SafeName reduces a filename to a base name of safe characters.
func SafeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return unsafeNameChars.ReplaceAllString(base, "_")
}

// Supported reports whether the attachment's media type is one the model
// accepts. Unsupported attachments (signature logos, calendar invites,
// office documents) are skipped, not rejected.
func Supported(a models.Attachment) bool {
	_, ok := KindOf(a.ContentType)
	return ok
}

// Validate checks one attachment against filename and size rules. Every
// attachment must have a safe filename; size is checked only for supported
// kinds since unsupported ones never reach the model.
func Validate(a models.Attachment) error {
	if a.FileName == "" || strings.Contains(a.FileName, "..") ||
		strings.ContainsAny(a.FileName, `/\`) {
		return &ValidationError{FileName: a.FileName, Reason: "invalid filename"}
	}

	kind, ok := KindOf(a.ContentType)
	if !ok {
		return nil
	}

	max := Ceiling(kind)
	size := a.DeclaredSize
	if actual := int64(len(a.Content)); actual > size {
		size = actual
	}
	if size > max {
		return &ValidationError{
			FileName: a.FileName,
			Reason:   fmt.Sprintf("file too large: %d bytes (max: %d)", size, max),
		}
	}

	return nil
}

// ValidateMessage validates every attachment and returns the first failure.
func ValidateMessage(msg *models.InboundMessage) error {
	for _, a := range msg.Attachments {
		if err := Validate(a); err != nil {
			return err
		}
	}
	return nil
}

// Normalizer converts validated attachments into model inputs.
type Normalizer struct {
	blobs blob.Store
}

// NewNormalizer creates a normalizer. blobs may be nil, in which case audio
// is inlined like every other kind.
func NewNormalizer(blobs blob.Store) *Normalizer {
	return &Normalizer{blobs: blobs}
}

// Materialize returns one model part per attachment. Audio is uploaded to
// blob storage and referenced by URI; documents and images are inlined.
// The message is not modified.
func (n *Normalizer) Materialize(ctx context.Context, msg *models.InboundMessage) ([]llm.Part, error) {
	parts := make([]llm.Part, 0, len(msg.Attachments))

	for _, a := range msg.Attachments {
		if err := Validate(a); err != nil {
			return nil, err
		}
		kind, ok := KindOf(a.ContentType)
		if !ok {
			slog.Info("skipping unsupported attachment",
				"message_id", msg.ID,
				"file_name", a.FileName,
				"content_type", a.ContentType,
			)
			continue
		}

		if a.URI != "" {
			parts = append(parts, llm.Part{MIMEType: a.ContentType, URI: a.URI})
			continue
		}

		if kind == models.KindAudio && n.blobs != nil {
			name := fmt.Sprintf("audio_attachments/%s_%s", SafeName(msg.ID), SafeName(a.FileName))
			uri, err := n.blobs.Put(ctx, name, a.ContentType, a.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: store audio %s: %w", ErrMaterializeFailed, a.FileName, err)
			}
			parts = append(parts, llm.Part{MIMEType: a.ContentType, URI: uri})
			slog.Info("processed audio attachment", "file_name", a.FileName, "size", len(a.Content))
			continue
		}

		parts = append(parts, llm.Part{MIMEType: a.ContentType, Data: a.Content})
		slog.Info("processed inline attachment", "file_name", a.FileName, "kind", kind, "size", len(a.Content))
	}

	return parts, nil
}

// Summary lists attachment filenames for prompts.
func Summary(msg *models.InboundMessage) string {
	if len(msg.Attachments) == 0 {
		return "No attachments."
	}
	var b strings.Builder
	for i, a := range msg.Attachments {
		if i > 0 {
			b.WriteByte('\n')
		}
		if Supported(a) {
			fmt.Fprintf(&b, "- File: '%s' (%s)", a.FileName, a.ContentType)
		} else {
			fmt.Fprintf(&b, "- File: '%s' (%s, not processed)", a.FileName, a.ContentType)
		}
	}
	return b.String()
}

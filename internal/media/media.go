// Package media implements the Media Resolver (spec §4.5, component E):
// it walks the reply chain for the newest image or file attachment,
// keeps a local on-disk cache keyed by the platform's file reference,
// and uploads non-image files to the Gemini Files API, pinning whatever
// key performs the upload for the rest of that request (spec §8
// property 3).
package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/keypool"
	"github.com/guanke/geminimw/internal/msgstore"
	"github.com/guanke/geminimw/internal/platform"
	"github.com/guanke/geminimw/internal/r2"
)

const (
	maxMediaBytes     = 10_000_000 // original_source's 10MB cutoff
	uploadPollDelay   = 2 * time.Second
	uploadPollRetries = 15
)

// isImage identifies attachments the resolver inlines as base64
// rather than uploading through the Files API.
func isImage(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "image/"
}

// Resolved is what ResolveForChain produces: at most one inline image
// and/or one uploaded file, plus the key (if any) that performed the
// upload and must be reused for the whole request.
type Resolved struct {
	Image     *common.MediaPart
	Other     *common.MediaPart
	PinnedKey string
}

// Resolver downloads attachments and uploads non-image media.
type Resolver struct {
	cachePath string
	pool      *keypool.Pool
	client    *http.Client

	// remote, when set, mirrors the local disk cache to object storage
	// (CACHE_PATH's durable counterpart) so a file survives a restart or
	// is reachable from a second process without re-downloading from the
	// messaging platform.
	remote *r2.Client
}

// New builds a Resolver that caches downloaded files under cachePath.
func New(cachePath string, pool *keypool.Pool) *Resolver {
	return &Resolver{cachePath: cachePath, pool: pool, client: &http.Client{Timeout: 120 * time.Second}}
}

// WithRemoteCache attaches an R2 mirror to the resolver; nil disables it.
func (r *Resolver) WithRemoteCache(remote *r2.Client) *Resolver {
	r.remote = remote
	return r
}

// ResolveForChain walks chain (nearest message first, as returned by
// msgstore.Store.ReplyChain) looking for the first image and first
// other-media attachment, matching original_source's
// get_photo/get_other_media recursive reply-chain walk.
func (r *Resolver) ResolveForChain(ctx context.Context, client platform.Client, chain []AttachmentSource) (Resolved, error) {
	var out Resolved

	for _, src := range chain {
		for _, a := range src.Attachments {
			if a.FileRef == "" {
				continue
			}
			if isImage(a.MimeType) {
				if out.Image != nil {
					continue
				}
				data, err := r.fetch(ctx, client, a)
				if err != nil {
					return out, err
				}
				out.Image = &common.MediaPart{MimeType: a.MimeType, Data: data}
			} else {
				if out.Other != nil {
					continue
				}
				data, err := r.fetch(ctx, client, a)
				if err != nil {
					return out, err
				}
				if len(data) > maxMediaBytes {
					continue
				}
				uri, key, err := r.upload(ctx, a.MimeType, data)
				if err != nil {
					return out, err
				}
				out.Other = &common.MediaPart{MimeType: a.MimeType, URI: uri}
				out.PinnedKey = key
			}
		}
	}

	return out, nil
}

// AttachmentSource is the minimal shape ResolveForChain needs from a
// stored or live message; msgstore.Message doesn't carry attachment
// bytes itself (only a single media_file_id/media_type pair), so the
// orchestrator adapts both live platform.Message and stored
// msgstore.Message into this shape. Exported so callers can build the
// []AttachmentSource chain ResolveForChain walks.
type AttachmentSource struct {
	Attachments []platform.Attachment
}

// FromLive adapts a live inbound message.
func FromLive(m platform.Message) AttachmentSource {
	return AttachmentSource{Attachments: m.Attachments}
}

// FromStored adapts a stored message's single media reference.
func FromStored(m msgstore.Message) AttachmentSource {
	if !m.MediaFileID.Valid {
		return AttachmentSource{}
	}
	mime := ""
	if m.MediaType.Valid {
		mime = m.MediaType.String
	}
	return AttachmentSource{Attachments: []platform.Attachment{{MimeType: mime, FileRef: m.MediaFileID.String}}}
}

func (r *Resolver) fetch(ctx context.Context, client platform.Client, a platform.Attachment) ([]byte, error) {
	cachePath := r.cacheFile(a.FileRef)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	if r.remote != nil {
		if data, err := r.remote.Download(a.FileRef); err == nil {
			r.writeLocal(cachePath, data)
			return data, nil
		}
	}

	data, err := client.Download(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("media: download: %w", err)
	}

	r.writeLocal(cachePath, data)
	if r.remote != nil {
		if _, err := r.remote.Upload(a.FileRef, data, a.MimeType); err != nil {
			slog.Warn("media: r2 mirror upload failed", "error", err)
		} else if url := r.remote.GetURL(a.FileRef); url != "" {
			slog.Debug("media: mirrored to r2", "url", url)
		}
	}
	return data, nil
}

// PurgeRemoteCache empties the R2 mirror entirely, matching /dropcaches'
// "start over" semantics for the in-memory config cache (spec §6). A
// nil remote (no R2 credentials configured) is a no-op.
func (r *Resolver) PurgeRemoteCache() (removed int, err error) {
	if r.remote == nil {
		return 0, nil
	}
	keys, err := r.remote.List()
	if err != nil {
		return 0, fmt.Errorf("media: list r2 objects: %w", err)
	}
	for _, key := range keys {
		if err := r.remote.Delete(key); err != nil {
			slog.Warn("media: r2 evict failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (r *Resolver) writeLocal(cachePath string, data []byte) {
	if err := os.MkdirAll(r.cachePath, 0o755); err == nil {
		_ = os.WriteFile(cachePath, data, 0o600)
	}
}

func (r *Resolver) cacheFile(ref string) string {
	h := sha1.Sum([]byte(ref))
	return filepath.Join(r.cachePath, hex.EncodeToString(h[:]))
}

type uploadInitResponse struct {
	File struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
		State string `json:"state"`
	} `json:"file"`
}

// upload pushes data to the Gemini Files API using the simple
// (non-resumable) multipart upload variant, then polls until the file
// leaves PROCESSING state (spec §4.5 "Media upload"). The acquiring key
// is returned so the caller can pin it for the rest of the request.
func (r *Resolver) upload(ctx context.Context, mimeType string, data []byte) (uri, key string, err error) {
	key, err = r.pool.Acquire(false)
	if err != nil {
		return "", "", fmt.Errorf("media: acquire key for upload: %w", err)
	}

	boundary := "geminimwupload"
	var body bytes.Buffer
	fmt.Fprintf(&body, "--%s\r\nContent-Type: application/json; charset=UTF-8\r\n\r\n", boundary)
	metadata, _ := json.Marshal(map[string]any{"file": map[string]string{"display_name": "attachment"}})
	body.Write(metadata)
	fmt.Fprintf(&body, "\r\n--%s\r\nContent-Type: %s\r\n\r\n", boundary, mimeType)
	body.Write(data)
	fmt.Fprintf(&body, "\r\n--%s--", boundary)

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/upload/v1beta/files?key=%s&uploadType=multipart", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+boundary)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("media: upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	var decoded uploadInitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", "", fmt.Errorf("media: decode upload response: %w", err)
	}

	if err := r.pollUntilActive(ctx, decoded.File.Name, key); err != nil {
		return "", "", err
	}

	return decoded.File.URI, key, nil
}

func (r *Resolver) pollUntilActive(ctx context.Context, name, key string) error {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/%s?key=%s", name, key)
	for i := 0; i < uploadPollRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("media: poll: %w", err)
		}
		var decoded struct {
			State string `json:"state"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()

		if decoded.State == "ACTIVE" {
			return nil
		}
		if decoded.State == "FAILED" {
			return fmt.Errorf("media: file processing failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(uploadPollDelay):
		}
	}
	return fmt.Errorf("media: file did not become active in time")
}

// EncodeBase64 is exposed for callers that need to inline an image
// outside of ResolveForChain.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Package extract turns a raw RFC 5322 message into a model.InboundMessage.
//
// Everything coming out of here is derived from attacker-controlled input, so
// the body is bounded, text is forced to valid UTF-8 and attachment names are
// reduced to a filesystem-safe basename before anything touches the disk.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dhcgn/imap-intake/model"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxBodyChars       = 3000
	DefaultMaxAttachmentBytes = 10 << 20

	TruncationMarker = "\n\n[...truncated]"
)

// DefaultAllowedExtensions are the attachment types that may be staged.
var DefaultAllowedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".heic", ".heif"}

type Options struct {
	StagingDir         string
	MaxBodyChars       int
	MaxAttachmentBytes int64
	AllowedExtensions  []string
	// Now is used to name attachments whose sanitized name is empty.
	Now    func() time.Time
	Logger *slog.Logger
}

type Extractor struct {
	opts    Options
	allowed map[string]struct{}
	logger  *slog.Logger
}

func New(opts Options) (*Extractor, error) {
	if opts.StagingDir == "" {
		return nil, errors.New("staging directory is required")
	}
	if opts.MaxBodyChars <= 0 {
		opts.MaxBodyChars = DefaultMaxBodyChars
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultAllowedExtensions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	return &Extractor{opts: opts, allowed: allowed, logger: logger}, nil
}

// StagingDir returns the directory accepted attachments are written to.
func (e *Extractor) StagingDir() string {
	return e.opts.StagingDir
}

// Parse extracts the message with the given UID. Attachments that pass policy
// are written to the staging directory; rejected ones are returned as skipped.
// A nil error does not mean every part could be decoded: undecodable text is
// kept with replacement characters.
func (e *Extractor) Parse(uid uint32, raw []byte) (model.InboundMessage, []model.SkippedAttachment, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return model.InboundMessage{}, nil, fmt.Errorf("parse message %d: %w", uid, err)
	}

	msg := model.InboundMessage{
		UID:           uid,
		SenderDisplay: DecodeHeaderText(entity.Header.Get("From")),
		SenderAddress: fromAddress(entity.Header),
		Subject:       DecodeHeaderText(entity.Header.Get("Subject")),
		Date:          DecodeHeaderText(entity.Header.Get("Date")),
		AuthResults:   authResults(entity.Header),
	}

	var (
		body        string
		bodyFound   bool
		hasHTML     bool
		attachments []model.AttachmentRef
		skipped     []model.SkippedAttachment
	)

	walkErr := entity.Walk(func(path []int, part *message.Entity, partErr error) error {
		if part == nil {
			return nil
		}
		if part.MultipartReader() != nil {
			return nil
		}
		charsetErr := partErr != nil && message.IsUnknownCharset(partErr)
		if partErr != nil && !charsetErr && !message.IsUnknownEncoding(partErr) {
			return partErr
		}

		if name := partFilename(part.Header); name != "" {
			ref, skip, err := e.stageAttachment(uid, name, part.Body)
			if err != nil {
				return err
			}
			if skip != nil {
				skipped = append(skipped, *skip)
			} else {
				attachments = append(attachments, ref)
			}
			return nil
		}

		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		switch {
		case bodyFound:
		case mediaType == "text/plain" || len(path) == 0:
			text, err := readText(part.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = text
			bodyFound = true
		case mediaType == "text/html":
			hasHTML = true
		}
		return nil
	})
	if walkErr != nil {
		return model.InboundMessage{}, skipped, fmt.Errorf("walk message %d: %w", uid, walkErr)
	}

	if !bodyFound && hasHTML {
		body = htmlFallback(raw)
	}

	msg.Body = SanitizeBody(body, e.opts.MaxBodyChars)
	msg.Attachments = attachments
	return msg, skipped, nil
}

func (e *Extractor) stageAttachment(uid uint32, original string, body io.Reader) (model.AttachmentRef, *model.SkippedAttachment, error) {
	name := SanitizeFilename(original)
	if name == "" {
		name = "attachment_" + strconv.FormatInt(e.opts.Now().Unix(), 10)
	}
	ext := strings.ToLower(filepath.Ext(name))

	if _, ok := e.allowed[ext]; !ok {
		e.logger.Info("attachment rejected", "uid", uid, "filename", original, "ext", ext, "reason", model.SkipDisallowedType)
		return model.AttachmentRef{}, &model.SkippedAttachment{
			Filename:  original,
			Extension: ext,
			Reason:    model.SkipDisallowedType,
		}, nil
	}

	limited := io.LimitReader(body, e.opts.MaxAttachmentBytes+1)
	payload, err := io.ReadAll(limited)
	if err != nil {
		// Broken transfer encoding in one part must not cost the message.
		_, _ = io.Copy(io.Discard, body)
		e.logger.Info("attachment rejected", "uid", uid, "filename", original, "reason", model.SkipUnreadable, "err", err)
		return model.AttachmentRef{}, &model.SkippedAttachment{
			Filename:  original,
			Extension: ext,
			SizeBytes: int64(len(payload)),
			Reason:    model.SkipUnreadable,
		}, nil
	}
	if int64(len(payload)) > e.opts.MaxAttachmentBytes {
		rest, _ := io.Copy(io.Discard, body)
		size := int64(len(payload)) + rest
		e.logger.Info("attachment rejected", "uid", uid, "filename", original, "size", size, "reason", model.SkipTooLarge)
		return model.AttachmentRef{}, &model.SkippedAttachment{
			Filename:  original,
			Extension: ext,
			SizeBytes: size,
			Reason:    model.SkipTooLarge,
		}, nil
	}

	if err := os.MkdirAll(e.opts.StagingDir, 0o750); err != nil {
		return model.AttachmentRef{}, nil, fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(e.opts.StagingDir, name)
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return model.AttachmentRef{}, nil, fmt.Errorf("write attachment %q: %w", name, err)
	}
	e.logger.Debug("attachment staged", "uid", uid, "path", path, "size", len(payload))

	return model.AttachmentRef{Name: name, Path: path, SizeBytes: int64(len(payload))}, nil, nil
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeHeaderText decodes RFC 2047 encoded words into a single NFC string.
// Undecodable input is returned as valid UTF-8 with replacement characters.
func DecodeHeaderText(raw string) string {
	if raw == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(raw)
	if err != nil {
		decoded = raw
	}
	decoded = strings.ToValidUTF8(decoded, string(utf8.RuneError))
	return norm.NFC.String(strings.TrimSpace(decoded))
}

// fromAddress parses the raw From field as an address list so that brackets
// inside a quoted or encoded display name are not taken for the address.
func fromAddress(h message.Header) string {
	mh := mail.Header{Header: h}
	if list, err := mh.AddressList("From"); err == nil && len(list) > 0 && list[0].Address != "" {
		return strings.ToLower(list[0].Address)
	}
	return SenderAddress(h.Get("From"))
}

var bracketedAddress = regexp.MustCompile(`<([^<>]+)>`)

// SenderAddress returns the lowercased address from an undecoded From header
// value: the last bracketed part if present, else the whole trimmed value.
// The addr-spec always follows the display name, so the last match wins.
func SenderAddress(from string) string {
	if m := bracketedAddress.FindAllStringSubmatch(from, -1); len(m) > 0 {
		return strings.ToLower(strings.TrimSpace(m[len(m)-1][1]))
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// SanitizeBody bounds body to limit characters, appending TruncationMarker
// when it was cut, and trims surrounding whitespace.
func SanitizeBody(body string, limit int) string {
	if limit > 0 && utf8.RuneCountInString(body) > limit {
		runes := []rune(body)
		body = string(runes[:limit]) + TruncationMarker
	}
	return strings.TrimSpace(body)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename maps every character outside [A-Za-z0-9._-] to '_' and
// keeps only the base name. It returns "" when nothing usable is left.
func SanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = filepath.Base(safe)
	switch safe {
	case ".", "..":
		return ""
	}
	return safe
}

func partFilename(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return DecodeHeaderText(name)
		}
	}
	if _, params, err := h.ContentType(); err == nil {
		if name := params["name"]; name != "" {
			return DecodeHeaderText(name)
		}
	}
	return ""
}

func authResults(h message.Header) []string {
	values := h.Values("Authentication-Results")
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// readText reads a decoded part body. Parts in an unknown charset arrive
// undecoded; invalid sequences become U+FFFD.
func readText(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), nil
}

func htmlFallback(raw []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(env.Text, string(utf8.RuneError))
}

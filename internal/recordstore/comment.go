package recordstore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// CommentInput is a markdown annotation on one record.
type CommentInput struct {
	PrimaryIndex string
	ID           string
	Email        string
	Body         string
}

// CommentResult locates a stored comment.
type CommentResult struct {
	CommentID string `json:"comment_id"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// SanitizeEmail lowercases email and replaces every character outside
// [a-z0-9._-] with an underscore, yielding a directory-safe token.
func SanitizeEmail(email string) string {
	lower := strings.ToLower(strings.TrimSpace(email))
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	token := b.String()
	// A token made only of dots would name the directory itself or its parent.
	if strings.Trim(token, ".") == "" {
		token = strings.Repeat("_", len(token))
	}
	return token
}

// Comment appends a comment file under
// <primary_index>/comments/<sanitized email>/<comment id>.md.
func (d *DataDir) Comment(in CommentInput) (*CommentResult, error) {
	for _, f := range []struct{ name, value string }{
		{"primary_index", in.PrimaryIndex},
		{"id", in.ID},
		{"email", in.Email},
		{"comment", in.Body},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, invalid("missing required parameter: %s", f.name)
		}
	}

	primaryIndex := strings.TrimSpace(in.PrimaryIndex)
	recordID := strings.TrimSpace(in.ID)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	body := strings.TrimSpace(in.Body)

	if !validate.PrimaryIndex(primaryIndex) {
		return nil, invalid("invalid primary_index: contains invalid characters")
	}
	if !validate.RecordID(recordID) {
		return nil, invalid("invalid id: contains invalid characters")
	}
	if !validate.Email(email) {
		return nil, invalid("invalid email")
	}
	if !validate.CommentContent(body) {
		return nil, invalid("invalid comment content")
	}

	if _, err := d.resolve(primaryIndex); err != nil {
		return nil, err
	}
	dir, err := d.resolve(primaryIndex, commentsDir, SanitizeEmail(email))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create comments directory: %w", err)
	}

	for attempt := 0; attempt < idAttempts; attempt++ {
		now := d.now()
		commentID, err := NewCommentID(now)
		if err != nil {
			return nil, err
		}
		path, err := d.resolve(primaryIndex, commentsDir, SanitizeEmail(email), commentID+commentExt)
		if err != nil {
			return nil, err
		}
		created := timestamp(now)

		err = writeExclusive(path, []byte(renderComment(recordID, email, created, body)))
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rel, err := d.rel(path)
		if err != nil {
			return nil, err
		}
		return &CommentResult{CommentID: commentID, Path: rel, CreatedAt: created}, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique comment id after %d attempts", idAttempts)
}

func renderComment(recordID, email, created, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Comment on %s\n", recordID)
	fmt.Fprintf(&b, "Author: %s\n", email)
	fmt.Fprintf(&b, "Created: %s\n", created)
	fmt.Fprintf(&b, "Record ID: %s\n", recordID)
	b.WriteString("\n---\n\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// Package canon produces the canonical form of investigated post content.
//
// Investigations are content-addressed: two callers asking about the same
// post text must land on the same content hash even when one saw trailing
// whitespace or an HTML-wrapped copy. Canonicalisation is therefore strict
// and deterministic: sanitise, extract text, collapse whitespace, hash.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var stripTags = bluemonday.StrictPolicy()

// Normalize collapses all runs of whitespace to single spaces and trims the
// result. It is the last step before hashing; every text that enters an
// Investigation must pass through it exactly once.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the hex SHA-256 of the normalized text. This is the
// content-addressed fingerprint investigations converge on.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// ExtractText pulls readable text out of an HTML document: script, style and
// template subtrees are dropped, remaining markup is stripped, and the result
// is normalized.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("canon: parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, iframe").Remove()

	var text string
	if body := doc.Find("body"); body.Length() > 0 {
		text = body.Text()
	} else {
		text = doc.Text()
	}
	// StrictPolicy catches any markup goquery's Text() let through
	// (e.g. entities inside attributes of unclosed tags).
	return Normalize(stripTags.Sanitize(text)), nil
}

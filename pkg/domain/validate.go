package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const minClaimLength = 8

// ValidateArticle checks an Article before it is upserted into the document
// store at the end of the extraction stage.
func ValidateArticle(a Article) error {
	if strings.TrimSpace(a.Content) == "" {
		return NewValidationError("content", "", ErrEmptyContent)
	}
	if strings.TrimSpace(a.Title) == "" {
		return NewValidationError("title", "", ErrEmptyTitle)
	}
	if strings.TrimSpace(a.URL) == "" {
		return NewValidationError("url", "", ErrEmptyURL)
	}
	if !validSource(a.Source) {
		return NewValidationError("source", a.Source, ErrUnknownSource)
	}
	return nil
}

// validSource accepts known sources and source:subfeed prefixes (e.g.
// "reuters:world", "bbc:business").
func validSource(src string) bool {
	if ValidSources[src] {
		return true
	}
	for base := range ValidSources {
		if strings.HasPrefix(src, base+":") {
			return true
		}
	}
	return false
}

// ValidateClaim checks a verification-stage Claim.
func ValidateClaim(c Claim) error {
	text := strings.TrimSpace(c.Text)
	if utf8.RuneCountInString(text) < minClaimLength {
		return NewValidationError("text", text, ErrClaimTooShort)
	}
	return nil
}

// ValidateSources checks that every requested source name is known to the
// extraction worker.
func ValidateSources(sources []string) error {
	for _, s := range sources {
		if !validSource(s) {
			return NewValidationError("sources", s, ErrUnknownSource)
		}
	}
	return nil
}

// NormalizeDateRange validates date_base >= date_cutoff per §4.5 and, when
// they are equal, decrements the cutoff by one day so the extraction worker
// always has a non-empty range to walk backwards over.
func NormalizeDateRange(dateBase, dateCutoff time.Time) (time.Time, time.Time, error) {
	if dateBase.Before(dateCutoff) {
		return time.Time{}, time.Time{}, NewValidationError("date_base", dateBase.Format(time.DateOnly), ErrInvalidDateRange)
	}
	if dateBase.Equal(dateCutoff) {
		dateCutoff = dateCutoff.AddDate(0, 0, -1)
	}
	return dateBase, dateCutoff, nil
}

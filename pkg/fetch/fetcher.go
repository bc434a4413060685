// Package fetch retrieves media from an upstream source into a local file.
package fetch

import (
	"context"

	"github.com/marmos91/quartermaster/pkg/contentkey"
)

// Fetcher downloads the content behind a locator into dest. Implementations
// must write the complete file or return an error; the caller discards
// partial output.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, intent contentkey.Intent, dest string) error
}

// ExtForIntent returns the file extension (with dot) produced for an intent.
// The fetcher normalizes containers per intent, so the extension is known
// before the fetch runs and object keys stay stable across cache hits.
func ExtForIntent(intent contentkey.Intent) string {
	if intent == contentkey.IntentAudio {
		return ".m4a"
	}
	return ".mp4"
}

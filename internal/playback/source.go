package playback

import (
	"net/url"
	"path"
	"strings"

	"github.com/satriahrh/djsync/server/domain/entities"
)

var playableSchemes = map[string]bool{
	"http": true, "https": true, "file": true, "blob": true,
}

var playableExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".oga": true,
	".opus": true, ".wav": true, ".flac": true, ".webm": true,
}

// ValidateSource checks that raw names something a media element can load.
// It returns nil for a playable source.
func ValidateSource(raw string) *entities.PlaybackError {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return entities.NewPlaybackError(entities.ErrorEmptySource, "", "no source url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return entities.NewPlaybackError(entities.ErrorInvalidSource, raw, err.Error())
	}

	switch {
	case u.Scheme == "":
		if !playableExtensions[strings.ToLower(path.Ext(u.Path))] {
			return entities.NewPlaybackError(entities.ErrorInvalidSource, raw, "not a recognizable media file")
		}
	case !playableSchemes[strings.ToLower(u.Scheme)]:
		return entities.NewPlaybackError(entities.ErrorInvalidSource, raw, "unsupported scheme "+u.Scheme)
	case (u.Scheme == "http" || u.Scheme == "https") && u.Host == "":
		return entities.NewPlaybackError(entities.ErrorInvalidSource, raw, "missing host")
	}
	return nil
}

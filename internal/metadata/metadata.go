package metadata

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"

	apperrors "github.com/substream/substream-go/internal/errors"
)

// TrackMetadata holds the tags read from a cached media file. When the
// engine is offline and an entry's catalog metadata was never fetched,
// the completed file itself is the only source of display information.
type TrackMetadata struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	Genre       string
	Year        int
	TrackNumber int
	DiscNumber  int
}

// Load reads tags from a completed MP3 or FLAC file.
func Load(filePath string) (*TrackMetadata, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return loadMP3(filePath)
	case ".flac":
		return loadFLAC(filePath)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported file format: %s", ext), nil)
	}
}

// loadMP3 reads ID3v2 tags from an MP3 file
func loadMP3(filePath string) (*TrackMetadata, error) {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	meta := &TrackMetadata{
		Title:  tag.Title(),
		Artist: tag.Artist(),
		Album:  tag.Album(),
		Genre:  tag.Genre(),
	}

	if yearStr := tag.Year(); yearStr != "" {
		if year, err := strconv.Atoi(yearStr); err == nil {
			meta.Year = year
		}
	}

	if frames := tag.GetFrames(tag.CommonID("Band/Orchestra/Accompaniment")); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			meta.AlbumArtist = tf.Text
		}
	}

	// Track and disc frames may carry "n/total"
	if frames := tag.GetFrames(tag.CommonID("Track number/Position in set")); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			if trackNum, err := strconv.Atoi(strings.Split(tf.Text, "/")[0]); err == nil {
				meta.TrackNumber = trackNum
			}
		}
	}
	if frames := tag.GetFrames(tag.CommonID("Part of a set")); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			if discNum, err := strconv.Atoi(strings.Split(tf.Text, "/")[0]); err == nil {
				meta.DiscNumber = discNum
			}
		}
	}

	return meta, nil
}

// loadFLAC reads Vorbis comments from a FLAC file
func loadFLAC(filePath string) (*TrackMetadata, error) {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	meta := &TrackMetadata{}

	for _, block := range f.Meta {
		if block.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		if err != nil {
			continue
		}

		if titles, err := cmt.Get("TITLE"); err == nil && len(titles) > 0 {
			meta.Title = titles[0]
		}
		if artists, err := cmt.Get("ARTIST"); err == nil && len(artists) > 0 {
			meta.Artist = artists[0]
		}
		if albums, err := cmt.Get("ALBUM"); err == nil && len(albums) > 0 {
			meta.Album = albums[0]
		}
		if albumArtists, err := cmt.Get("ALBUMARTIST"); err == nil && len(albumArtists) > 0 {
			meta.AlbumArtist = albumArtists[0]
		}
		if genres, err := cmt.Get("GENRE"); err == nil && len(genres) > 0 {
			meta.Genre = genres[0]
		}
		if dates, err := cmt.Get("DATE"); err == nil && len(dates) > 0 {
			if year, err := strconv.Atoi(dates[0]); err == nil {
				meta.Year = year
			}
		}
		if trackNums, err := cmt.Get("TRACKNUMBER"); err == nil && len(trackNums) > 0 {
			if trackNum, err := strconv.Atoi(trackNums[0]); err == nil {
				meta.TrackNumber = trackNum
			}
		}
		if discNums, err := cmt.Get("DISCNUMBER"); err == nil && len(discNums) > 0 {
			if discNum, err := strconv.Atoi(discNums[0]); err == nil {
				meta.DiscNumber = discNum
			}
		}
		break
	}

	return meta, nil
}

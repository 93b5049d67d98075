package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/ranya-runtime/pkg/agent"
)

var (
	audioFormats = map[string]bool{"wav": true, "mp3": true, "ogg": true, "webm": true, "m4a": true}
	audioLangs   = map[string]bool{"zh": true, "en": true, "auto": true}
)

// runParams is the decoded params object of a runtime.run request.
type runParams struct {
	SessionID       string
	Input           string
	InputImages     []agent.InputImage
	InputAudio      *agent.InputAudio
	PermissionLevel string
}

type rawRunParams struct {
	SessionID       string          `json:"session_id"`
	Input           string          `json:"input"`
	InputImages     json.RawMessage `json:"input_images"`
	InputAudio      json.RawMessage `json:"input_audio"`
	PermissionLevel string          `json:"permission_level"`
}

// parseRunParams decodes and strictly validates runtime.run params. Absent or
// null attachments are fine; present but malformed ones are rejected.
func parseRunParams(raw json.RawMessage) (runParams, error) {
	var p rawRunParams
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &p); err != nil {
			return runParams{}, fmt.Errorf("params must be an object with string fields: %w", err)
		}
	}

	images, err := parseInputImages(p.InputImages)
	if err != nil {
		return runParams{}, err
	}
	audio, err := parseInputAudio(p.InputAudio)
	if err != nil {
		return runParams{}, err
	}

	return runParams{
		SessionID:       strings.TrimSpace(p.SessionID),
		Input:           strings.TrimSpace(p.Input),
		InputImages:     images,
		InputAudio:      audio,
		PermissionLevel: strings.TrimSpace(p.PermissionLevel),
	}, nil
}

func parseInputImages(raw json.RawMessage) ([]agent.InputImage, error) {
	if isNull(raw) {
		return nil, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("input_images must be an array of objects")
	}

	images := make([]agent.InputImage, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("input_images[%d] must be an object", i)
		}
		var img agent.InputImage
		if err := decodeField(item, "data_url", &img.DataURL); err != nil || strings.TrimSpace(img.DataURL) == "" {
			return nil, fmt.Errorf("input_images[%d].data_url must be a non-empty string", i)
		}
		if err := decodeField(item, "name", &img.Name); err != nil {
			return nil, fmt.Errorf("input_images[%d].name must be a string", i)
		}
		if err := decodeField(item, "mime_type", &img.MimeType); err != nil {
			return nil, fmt.Errorf("input_images[%d].mime_type must be a string", i)
		}
		if err := decodeField(item, "size_bytes", &img.SizeBytes); err != nil || img.SizeBytes < 0 {
			return nil, fmt.Errorf("input_images[%d].size_bytes must be a non-negative integer", i)
		}
		images = append(images, img)
	}
	return images, nil
}

func parseInputAudio(raw json.RawMessage) (*agent.InputAudio, error) {
	if isNull(raw) {
		return nil, nil
	}

	var item map[string]json.RawMessage
	if err := json.Unmarshal(raw, &item); err != nil || item == nil {
		return nil, fmt.Errorf("input_audio must be an object")
	}

	audio := &agent.InputAudio{Lang: "auto", Hints: []string{}}
	if err := decodeField(item, "audio_ref", &audio.AudioRef); err != nil || strings.TrimSpace(audio.AudioRef) == "" {
		return nil, fmt.Errorf("input_audio.audio_ref must be a non-empty string")
	}
	if err := decodeField(item, "format", &audio.Format); err != nil || !audioFormats[strings.ToLower(audio.Format)] {
		return nil, fmt.Errorf("input_audio.format must be one of wav, mp3, ogg, webm, m4a")
	}
	audio.Format = strings.ToLower(audio.Format)
	if err := decodeField(item, "lang", &audio.Lang); err != nil || !audioLangs[strings.ToLower(audio.Lang)] {
		return nil, fmt.Errorf("input_audio.lang must be one of zh, en, auto")
	}
	audio.Lang = strings.ToLower(audio.Lang)
	if err := decodeField(item, "hints", &audio.Hints); err != nil {
		return nil, fmt.Errorf("input_audio.hints must be an array of strings")
	}
	if audio.Hints == nil {
		audio.Hints = []string{}
	}
	return audio, nil
}

// decodeField unmarshals obj[key] into dst. Missing or null fields leave dst untouched.
func decodeField(obj map[string]json.RawMessage, key string, dst interface{}) error {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

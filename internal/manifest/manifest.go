package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Engine identifies the render pipeline generation embedded in every hash.
// Bump it to invalidate all cached renders after a behavioral change.
const Engine = "storyreel-render-v2"

// SceneSpec captures the materially-visible parameters of one scene.
type SceneSpec struct {
	Duration   int    `json:"duration"`
	Camera     string `json:"camera"`
	Transition string `json:"transition"`
}

// Inputs holds the content digests of every blob that feeds the render.
type Inputs struct {
	Images    []string `json:"img"`
	Audio     string   `json:"audio,omitempty"`
	Music     string   `json:"music,omitempty"`
	Subtitles string   `json:"subtitles,omitempty"`
}

// Manifest is the canonical, hashable description of everything that
// determines a render's output bytes. Scene order is significant; field
// order is not.
type Manifest struct {
	Engine       string      `json:"engine"`
	Plan         string      `json:"plan"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	AspectRatio  string      `json:"aspect_ratio,omitempty"`
	ExportPreset string      `json:"export_preset"`
	Scenes       []SceneSpec `json:"scenes"`
	Inputs       Inputs      `json:"inputs"`
}

// Canonical returns the canonical JSON encoding of the manifest: UTF-8,
// object keys sorted lexicographically, no insignificant whitespace,
// absent optional fields omitted.
func (m Manifest) Canonical() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return Canonicalize(raw)
}

// Hash returns the SHA-256 hex digest of the canonical manifest.
func (m Manifest) Hash() (string, error) {
	canonical, err := m.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize re-encodes a JSON document in canonical form. It is
// idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	return encodeCanonical(stripNulls(doc))
}

// stripNulls removes null members so absent optionals never churn the hash
func stripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = stripNulls(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripNulls(val)
		}
		return out
	default:
		return v
	}
}

func encodeCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := encodeCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, val := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			vb, err := encodeCanonical(val)
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, ']'), nil
	case float64:
		// Numbers are integers where applicable
		if t == float64(int64(t)) {
			return json.Marshal(int64(t))
		}
		return json.Marshal(t)
	default:
		return json.Marshal(v)
	}
}

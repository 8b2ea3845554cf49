package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cue is one subtitle entry with times relative to the file start.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

var timecodeRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT parses SubRip content. Malformed blocks are skipped rather
// than failing the whole file.
func ParseSRT(content string) []Cue {
	var cues []Cue
	blocks := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")

	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 {
			continue
		}

		// Optional numeric index line before the timecode
		idx := 0
		timeLine := 0
		if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			idx = n
			timeLine = 1
		}
		if timeLine >= len(lines) {
			continue
		}

		m := timecodeRe.FindStringSubmatch(lines[timeLine])
		if m == nil {
			continue
		}
		start := parseTimecode(m[1], m[2], m[3], m[4])
		end := parseTimecode(m[5], m[6], m[7], m[8])
		text := strings.Join(lines[timeLine+1:], "\n")
		if text == "" || end <= start {
			continue
		}
		cues = append(cues, Cue{Index: idx, Start: start, End: end, Text: text})
	}
	return cues
}

// FormatSRT renders cues back to SubRip, renumbering from 1.
func FormatSRT(cues []Cue) string {
	var b strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, formatTimecode(cue.Start), formatTimecode(cue.End), cue.Text)
	}
	return b.String()
}

// ExtractWindow returns the cues overlapping [offset, offset+duration),
// shifted so the window starts at zero and clipped to [0, duration).
func ExtractWindow(cues []Cue, offset, duration time.Duration) []Cue {
	var out []Cue
	windowEnd := offset + duration

	for _, cue := range cues {
		if cue.End <= offset || cue.Start >= windowEnd {
			continue
		}
		start := cue.Start - offset
		if start < 0 {
			start = 0
		}
		end := cue.End - offset
		if end > duration {
			end = duration
		}
		if end <= start {
			continue
		}
		out = append(out, Cue{Index: cue.Index, Start: start, End: end, Text: cue.Text})
	}
	return out
}

func parseTimecode(h, m, s, ms string) time.Duration {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.Atoi(s)
	mss, _ := strconv.Atoi(ms)
	return time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss)*time.Second +
		time.Duration(mss)*time.Millisecond
}

func formatTimecode(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

package compose

import (
	"fmt"
	"strconv"
	"strings"
)

const fps = 30

// minSceneSeconds is the shortest clip the concat step accepts; shorter
// scenes are padded by cloning the last frame.
const minSceneSeconds = 3

// EncodeProfile is the x264 tuple for one export preset.
type EncodeProfile struct {
	Preset      string
	CRF         int
	Profile     string
	Level       string
	BitrateKbps int
}

var encodeProfiles = map[string]EncodeProfile{
	"youtube": {Preset: "slow", CRF: 18, Profile: "high", Level: "4.1", BitrateKbps: 8000},
	"tiktok":  {Preset: "medium", CRF: 20, Profile: "main", Level: "4.0", BitrateKbps: 5000},
	"square":  {Preset: "medium", CRF: 22, Profile: "main", Level: "3.1", BitrateKbps: 4000},
	"custom":  {Preset: "medium", CRF: 22},
}

// ProfileFor returns the encode tuple for an export preset, defaulting
// to custom for unknown names.
func ProfileFor(preset string) EncodeProfile {
	if p, ok := encodeProfiles[preset]; ok {
		return p
	}
	return encodeProfiles["custom"]
}

var planLimits = map[string][2]int{
	"free":   {854, 480},
	"basic":  {1280, 720},
	"pro":    {1920, 1080},
	"studio": {3840, 2160},
}

// ClampResolution reduces (w, h) to the plan's ceiling while preserving
// aspect ratio; the shorter side shrinks proportionally. Tier names that
// carry no resolution limit of their own map to pro.
func ClampResolution(plan string, w, h int) (int, int) {
	limit, ok := planLimits[plan]
	if !ok {
		limit = planLimits["pro"]
	}
	maxW, maxH := limit[0], limit[1]
	if h > w {
		// Portrait: the plan tuple is landscape, swap it
		maxW, maxH = maxH, maxW
	}
	if w <= maxW && h <= maxH {
		return evenDims(w, h)
	}

	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	return evenDims(int(float64(w)*scale), int(float64(h)*scale))
}

// evenDims rounds both dimensions down to even values for yuv420p.
func evenDims(w, h int) (int, int) {
	return w &^ 1, h &^ 1
}

// scaleFilter fits arbitrary input into w x h with letterboxing.
func scaleFilter(w, h int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d",
		w, h, w, h, fps)
}

// hasCameraMotion reports whether the camera maps to a zoompan pass.
func hasCameraMotion(camera string) bool {
	switch camera {
	case "zoom-in", "zoom-out", "pan-left", "pan-right":
		return true
	}
	return false
}

// motionFilter builds the zoompan expression for a still-image scene.
func motionFilter(camera string, seconds, w, h int) string {
	frames := seconds * fps
	// Oversample before zoompan to avoid jitter on sub-pixel pans
	pre := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", w*2, h*2, w*2, h*2)
	center := "x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)'"

	var zoom string
	switch camera {
	case "zoom-in":
		zoom = fmt.Sprintf("z='1.0+0.3*on/%d':%s", frames, center)
	case "zoom-out":
		zoom = fmt.Sprintf("z='1.3-0.3*on/%d':%s", frames, center)
	case "pan-left":
		zoom = fmt.Sprintf("z=1.1:x='iw/2-(iw/zoom/2)-50*sin(on/%d)':y='ih/2-(ih/zoom/2)'", fps)
	case "pan-right":
		zoom = fmt.Sprintf("z=1.1:x='iw/2-(iw/zoom/2)+50*sin(on/%d)':y='ih/2-(ih/zoom/2)'", fps)
	default: // static
		return scaleFilter(w, h)
	}
	return fmt.Sprintf("%s,zoompan=%s:d=%d:s=%dx%d:fps=%d", pre, zoom, frames, w, h, fps)
}

// subtitleFilter burns a scene-local SRT with the house style.
func subtitleFilter(srtPath string) string {
	return fmt.Sprintf(
		"subtitles=%s:force_style='FontSize=18,PrimaryColour=&HFFFFFF&,OutlineColour=&H000000&,Outline=2,MarginV=25'",
		srtPath)
}

// watermarkFilter draws the free-plan marker in the lower right corner.
func watermarkFilter() string {
	return "drawtext=text='StoryReel':x=w-tw-20:y=h-th-20:fontsize=24:fontcolor=white@0.6"
}

// padFilter clones the last frame out to the scene minimum.
func padFilter(seconds int) string {
	return fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%d", minSceneSeconds-seconds)
}

// sceneClipArgs normalizes a generated clip: loop/trim to the scene
// duration, scale to target, drop audio.
func sceneClipArgs(clipPath string, seconds, w, h int, extraFilters []string, out string) []string {
	vf := scaleFilter(w, h)
	for _, f := range extraFilters {
		vf += "," + f
	}
	return []string{
		"-y",
		"-stream_loop", "-1",
		"-t", strconv.Itoa(seconds),
		"-i", clipPath,
		"-vf", vf,
		"-an",
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		out,
	}
}

// sceneStillArgs synthesizes a scene from a still image with camera motion.
// zoompan expands every input frame to d output frames, so the motion path
// feeds the single source frame and d=seconds*fps alone sets the duration;
// only the static path loops the image over time.
func sceneStillArgs(imagePath, camera string, seconds, w, h int, extraFilters []string, out string) []string {
	vf := motionFilter(camera, seconds, w, h)
	for _, f := range extraFilters {
		vf += "," + f
	}
	args := []string{"-y"}
	if !hasCameraMotion(camera) {
		args = append(args, "-loop", "1", "-t", strconv.Itoa(seconds))
	}
	return append(args,
		"-i", imagePath,
		"-vf", vf,
		"-an",
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		out,
	)
}

// sceneBlackArgs produces a black clip for a scene with no usable input.
// The filter chain (subtitles, watermark, padding) still applies.
func sceneBlackArgs(seconds, w, h int, extraFilters []string, out string) []string {
	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:d=%d:r=%d", w, h, seconds, fps),
	}
	if len(extraFilters) > 0 {
		args = append(args, "-vf", strings.Join(extraFilters, ","))
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		out,
	)
}

// concatArgs joins normalized scenes. Stream copy is the cheap first
// attempt; the transcode form is the fallback when copy rejects the
// inputs.
func concatArgs(listPath, out string, streamCopy bool) []string {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
	}
	if streamCopy {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "fast", "-pix_fmt", "yuv420p")
	}
	return append(args, out)
}

// audioFilterGraph builds the filter_complex for the final mux. Input 1
// is narration, input 2 (when hasMusic) is music. Narration is trimmed
// to the video length with a one-second tail fade; music is ducked under
// narration and mixed with duration=first.
func audioFilterGraph(totalSeconds float64, hasMusic bool) string {
	fadeStart := totalSeconds - 1
	if fadeStart < 0 {
		fadeStart = 0
	}
	narration := fmt.Sprintf("[1:a]atrim=0:%.3f,asetpts=PTS-STARTPTS,afade=t=out:st=%.3f:d=1", totalSeconds, fadeStart)
	if !hasMusic {
		return narration + "[aout]"
	}
	return narration + "[nar];" +
		fmt.Sprintf("[2:a]atrim=0:%.3f,asetpts=PTS-STARTPTS,volume=0.3[mus];", totalSeconds) +
		"[nar]asplit=2[narmix][narkey];" +
		"[mus][narkey]sidechaincompress=threshold=0.05:ratio=6:attack=5:release=300[duck];" +
		"[narmix][duck]amix=inputs=2:duration=first[aout]"
}

// muxArgs encodes the final deliverable: concatenated video plus the
// audio graph, under the preset's x264 tuple.
func muxArgs(videoPath, audioPath, musicPath string, totalSeconds float64, profile EncodeProfile, out string) []string {
	args := []string{"-y", "-i", videoPath, "-i", audioPath}
	hasMusic := musicPath != ""
	if hasMusic {
		args = append(args, "-i", musicPath)
	}

	args = append(args,
		"-filter_complex", audioFilterGraph(totalSeconds, hasMusic),
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", profile.Preset,
		"-crf", strconv.Itoa(profile.CRF),
	)
	if profile.Profile != "" {
		args = append(args, "-profile:v", profile.Profile)
	}
	if profile.Level != "" {
		args = append(args, "-level", profile.Level)
	}
	if profile.BitrateKbps > 0 {
		args = append(args, "-maxrate", fmt.Sprintf("%dk", profile.BitrateKbps),
			"-bufsize", fmt.Sprintf("%dk", profile.BitrateKbps*2))
	}
	return append(args,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		out,
	)
}

package manifest

import "fmt"

// FinalCachePath is the global render cache location for a manifest hash.
func FinalCachePath(hash string) string {
	return fmt.Sprintf("cache/render/%s.mp4", hash)
}

// ClipPath is the per-scene clip cache location inside a project.
func ClipPath(projectID string, sceneIndex int) string {
	return fmt.Sprintf("%s/clips/scene-%d.mp4", projectID, sceneIndex)
}

// MoviePath is the project's final output location.
func MoviePath(projectID string) string {
	return fmt.Sprintf("%s/movie.mp4", projectID)
}

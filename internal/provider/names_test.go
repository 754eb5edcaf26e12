package provider

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Some Video Title":     "Some_Video_Title",
		"Title: with / weird!": "Title_with_weird",
		"  padded  ":           "padded",
		"Кириллица тоже ок":    "Кириллица_тоже_ок",
		"!!!":                  "unnamed",
		"":                     "unnamed",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestBuildPath(t *testing.T) {
	got := BuildPath("downloads", "Some Author", "task-1", "My Clip!", "mp4")
	assert.Equal(t, filepath.Join("downloads", "Some_Author", "task-1_My_Clip.mp4"), got)
}

func TestTempPath(t *testing.T) {
	assert.Equal(t, "/tmp/a.mp4.temp", TempPath("/tmp/a.mp4"))
}

func TestPartDir(t *testing.T) {
	assert.Equal(t, filepath.Join("downloads", "task-1"), PartDir("downloads", "task-1"))
}

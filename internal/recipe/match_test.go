package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesCopySource(t *testing.T) {
	cases := []struct {
		name   string
		file   string
		source string
		want   bool
	}{
		{"exact glob match", "src/main.go", "src/main.go", true},
		{"glob wildcard", "src/main.go", "src/*.go", true},
		{"glob does not cross unrelated dirs", "src/nested/main.go", "src/*.go", false},
		{"directory prefix descendant", "src/nested/main.go", "src", true},
		{"directory prefix with trailing slash", "src/nested/main.go", "src/", true},
		{"path equal to source matches by glob, not by prefix", "src", "src", true},
		{"dot source matches everything", "anything/at/all", ".", true},
		{"absolute source strips leading slash for prefix check", "app/main.go", "/app", true},
		{"unrelated path does not match", "other/main.go", "src", false},
		{"backslash host path normalizes to posix", "src\\main.go", "src/*.go", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchesCopySource(tc.file, tc.source))
		})
	}
}

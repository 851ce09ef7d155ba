package scan

import "testing"

func TestFilterIncludeFile(t *testing.T) {
	tests := []struct {
		name     string
		includes []string
		excludes []string
		path     string
		want     bool
	}{
		{"empty lists include everything", nil, nil, "/photos/a.jpg", true},
		{"include match by base name", []string{"*.jpg"}, nil, "/photos/a.jpg", true},
		{"include miss", []string{"*.jpg"}, nil, "/photos/a.txt", false},
		{"second include matches", []string{"*.jpg", "*.png"}, nil, "/photos/a.png", true},
		{"exclude wins over include", []string{"*.jpg"}, []string{"*.jpg"}, "/photos/a.jpg", false},
		{"exclude by path pattern", nil, []string{"/photos/private/**"}, "/photos/private/a.jpg", false},
		{"exclude elsewhere does not fire", nil, []string{"/photos/private/**"}, "/photos/public/a.jpg", true},
		{"case sensitive extension", []string{"*.jpg"}, nil, "/photos/a.JPG", false},
		{"dotfile exclude", nil, []string{".DS_Store"}, "/photos/.DS_Store", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.includes, tt.excludes)
			if err != nil {
				t.Fatalf("NewFilter: %v", err)
			}
			if got := f.IncludeFile(tt.path); got != tt.want {
				t.Errorf("IncludeFile(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestFilterSkipDir(t *testing.T) {
	f, err := NewFilter([]string{"*.jpg"}, []string{"**/node_modules", "*.cache"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.SkipDir("/src/node_modules") {
		t.Error("expected node_modules to be pruned")
	}
	if !f.SkipDir("/home/u/thumbs.cache") {
		t.Error("expected *.cache directory to be pruned")
	}
	// Include patterns must not prune directories that merely fail to match.
	if f.SkipDir("/photos/2024") {
		t.Error("plain directory should not be pruned")
	}
}

func TestFilterNilIncludesEverything(t *testing.T) {
	var f *Filter
	if !f.IncludeFile("/any/path.bin") {
		t.Error("nil filter must include every file")
	}
	if f.SkipDir("/any/dir") {
		t.Error("nil filter must never prune")
	}
}

func TestNewFilterRejectsBadPattern(t *testing.T) {
	if _, err := NewFilter([]string{"[unclosed"}, nil); err == nil {
		t.Error("expected error for malformed pattern")
	}
	if _, err := NewFilter(nil, []string{"[also-bad"}); err == nil {
		t.Error("expected error for malformed exclude pattern")
	}
}

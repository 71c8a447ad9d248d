package expiry

import "bytes"

// FileMeta describes one table file of a level.
type FileMeta struct {
	Level  int
	Number uint64
	// Smallest and Largest are user keys.
	Smallest []byte
	Largest  []byte
	Size     uint64
	Summary  FileExpirySummary
}

// Ref returns the identity used in delete edits.
func (f *FileMeta) Ref() FileRef {
	return FileRef{Level: f.Level, Number: f.Number}
}

// FileRef identifies a file to delete.
type FileRef struct {
	Level  int    `json:"level"`
	Number uint64 `json:"number"`
}

// Version is a read-only view of the files of each level. Levels[0] is
// level 0. Files within a level are kept in the engine's order.
type Version struct {
	Levels [][]FileMeta
	// Compare orders user keys. Nil means bytes.Compare.
	Compare func(a, b []byte) int
}

// NumLevels returns the number of levels in the view.
func (v *Version) NumLevels() int {
	return len(v.Levels)
}

// Files returns the files of level, or nil when out of range.
func (v *Version) Files(level int) []FileMeta {
	if level < 0 || level >= len(v.Levels) {
		return nil
	}
	return v.Levels[level]
}

// OverlapInLevel reports whether any file of level intersects the user
// key range [smallest, largest].
func (v *Version) OverlapInLevel(level int, smallest, largest []byte) bool {
	cmp := v.Compare
	if cmp == nil {
		cmp = bytes.Compare
	}
	for i := range v.Files(level) {
		f := &v.Levels[level][i]
		if cmp(f.Largest, smallest) < 0 || cmp(f.Smallest, largest) > 0 {
			continue
		}
		return true
	}
	return false
}

// PolicyResolver returns the policy governing a file. An error means the
// policy is unknown and the file is kept.
type PolicyResolver func(f *FileMeta) (ExpiryPolicy, error)

// FinalizeLevel returns the files of level that can be deleted outright at
// now. A file qualifies when its summary is expired under its policy and
// no file in a deeper level overlaps its key range. With wantAll false the
// scan stops at the first qualifying file.
func FinalizeLevel(v *Version, level int, now uint64, wantAll bool, resolve PolicyResolver) []FileRef {
	var out []FileRef
	files := v.Files(level)
	for i := range files {
		f := &files[i]
		p, err := resolve(f)
		if err != nil || !IsFileExpired(f.Summary, p, now) {
			continue
		}
		if overlapsDeeper(v, level, f) {
			continue
		}
		out = append(out, f.Ref())
		if !wantAll {
			break
		}
	}
	return out
}

func overlapsDeeper(v *Version, level int, f *FileMeta) bool {
	for l := level + 1; l < v.NumLevels(); l++ {
		if v.OverlapInLevel(l, f.Smallest, f.Largest) {
			return true
		}
	}
	return false
}

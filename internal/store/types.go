package store

import "time"

// FileStatus is the lifecycle state of a discovered file.
type FileStatus string

const (
	FileActive        FileStatus = "active"
	FileMissing       FileStatus = "missing"
	FileUnprocessable FileStatus = "unprocessable"
)

// GroupTier distinguishes byte-identical groups from perceptually-near ones.
type GroupTier string

const (
	TierExact GroupTier = "exact"
	TierNear  GroupTier = "near"
)

// Role is the part a file plays within its group.
type Role string

const (
	RoleOriginal      Role = "original"
	RoleDuplicate     Role = "duplicate"
	RoleSafeDuplicate Role = "safe_duplicate"
)

// File is one row of the files table.
type File struct {
	ID            int64
	Path          string
	Size          int64
	MTime         time.Time
	FastHash      *uint64
	StrongHash    string // hex; empty until computed
	Status        FileStatus
	NeedsFeatures bool
	DiscoveredAt  time.Time
	LastSeenAt    time.Time
}

// Feature is one row of the features table. Hash fields are nil when the
// image could not be decoded for that hash kind.
type Feature struct {
	FileID      int64
	PHash       *uint64
	DHash       *uint64
	AHash       *uint64
	Width       int
	Height      int
	TakenAt     *time.Time
	CameraMake  string
	CameraModel string
	Orientation int
	ComputedAt  time.Time
}

// PixelArea returns width*height, the primary original-selection key.
func (f *Feature) PixelArea() int64 {
	return int64(f.Width) * int64(f.Height)
}

// Group is one row of the groups table.
type Group struct {
	ID         int64
	Tier       GroupTier
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Member is one row of the group_members table.
type Member struct {
	GroupID    int64
	FileID     int64
	Role       Role
	Similarity float64
	Note       string
}

// Entry is a file joined with its feature row. Grouping and escalation
// operate on entries so they never re-query per file.
type Entry struct {
	File    File
	Feature *Feature // nil when the file has no feature row
}

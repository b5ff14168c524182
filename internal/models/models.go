package models

import "time"

type NodeType int16

const (
	NodeTypeDir     NodeType = 0 // VTFS_NODE_DIR
	NodeTypeFile    NodeType = 1 // VTFS_NODE_FILE
	NodeTypeSymlink NodeType = 2 // VTFS_NODE_SYMLINK
)

type NodeMeta struct {
	Ino       int64    `json:"ino"`
	ParentIno int64    `json:"parent_ino"`
	Type      NodeType `json:"type"`
	Mode      uint32   `json:"mode"` // umode_t
	Size      int64    `json:"size"`
	Nlink     uint32   `json:"nlink"`
	Blocks    uint64   `json:"blocks"` // 512-byte sectors
	Mtime     int64    `json:"mtime"`
}

type Dirent struct {
	Name string   `json:"name"`
	Ino  int64    `json:"ino"`
	Type NodeType `json:"type"`
}

// SetAttr carries the attributes a setattr call changes. Nil fields are
// left alone.
type SetAttr struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *int64
	Mtime *int64
}

type StatFS struct {
	BlockSize  uint32 `json:"block_size"`
	Blocks     uint64 `json:"blocks"`
	FreeBlocks uint64 `json:"free_blocks"`
	Inodes     uint64 `json:"inodes"`
	FreeInodes uint64 `json:"free_inodes"`
	NameLen    uint32 `json:"name_len"`
}

// Device is a block device stored in the database.
type Device struct {
	Name       string
	BlockSize  int
	BlockCount int64
	CreatedAt  time.Time
}

package config

const (
	DeviceBackendFile     = "file"
	DeviceBackendMemory   = "memory"
	DeviceBackendPostgres = "postgres"
)

// DeviceConfig selects the block device the filesystem lives on.
type DeviceConfig struct {
	Backend    string `yaml:"backend" env:"DEVICE_BACKEND" env-default:"file"`
	Path       string `yaml:"path" env:"DEVICE_PATH" env-default:"ext2.img"`
	Name       string `yaml:"name" env:"DEVICE_NAME" env-default:"ext2"`
	BlockSize  int    `yaml:"block_size" env:"DEVICE_BLOCK_SIZE" env-default:"1024"`
	BlockCount uint64 `yaml:"block_count" env:"DEVICE_BLOCK_COUNT" env-default:"65536"`
	CacheSize  int    `yaml:"cache_size" env:"DEVICE_CACHE_SIZE" env-default:"1024"`
	ReadOnly   bool   `yaml:"read_only" env:"DEVICE_READ_ONLY"`
}

// FilesystemConfig controls formatting and mount-time checks.
type FilesystemConfig struct {
	Format        bool   `yaml:"format" env:"FS_FORMAT"`
	VolumeName    string `yaml:"volume_name" env-default:"ext2-server"`
	InodeSize     int    `yaml:"inode_size" env-default:"128"`
	BytesPerInode int    `yaml:"bytes_per_inode" env-default:"8192"`
	LargeFile     bool   `yaml:"large_file"`
	CheckOnMount  bool   `yaml:"check_on_mount" env:"FS_CHECK"`
	UID           uint16 `yaml:"uid"`
	GID           uint16 `yaml:"gid"`
}

type FuseConfig struct {
	Enabled    bool   `yaml:"enabled" env:"FUSE_ENABLED"`
	Mountpoint string `yaml:"mountpoint" env:"FUSE_MOUNTPOINT"`
	Debug      bool   `yaml:"debug"`
}

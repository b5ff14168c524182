package kerrors

// Linux kernel error codes
const (
	EPERM        int64 = 1  // Operation not permitted
	ENOENT       int64 = 2  // No such file or directory
	EIO          int64 = 5  // I/O error
	ENOMEM       int64 = 12 // Out of memory
	EEXIST       int64 = 17 // File exists
	EXDEV        int64 = 18 // Cross-device link
	ENOTDIR      int64 = 20 // Not a directory
	EISDIR       int64 = 21 // Is a directory
	EINVAL       int64 = 22 // Invalid argument
	EFBIG        int64 = 27 // File too large
	ENOSPC       int64 = 28 // No space left on device
	EMLINK       int64 = 31 // Too many links
	ENAMETOOLONG int64 = 36 // File name too long
	ENOTEMPTY    int64 = 39 // Directory not empty

	ENOMEM_NEG int64 = -ENOMEM // Out of memory (negative)
	EINVAL_NEG int64 = -EINVAL // Invalid argument (negative)
	EIO_NEG    int64 = -EIO    // I/O error (negative)
)

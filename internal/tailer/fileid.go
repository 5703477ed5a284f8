package tailer

import "golang.org/x/sys/unix"

// fileID is the stable identity of one physical file instance, used to tell
// a rotated or truncated file apart from the one an offset was recorded
// against.
type fileID struct {
	Dev   uint64
	Inode uint64
}

func statID(path string) (fileID, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileID{}, 0, err
	}
	return fileID{Dev: uint64(st.Dev), Inode: uint64(st.Ino)}, st.Size, nil
}

package keystore

import (
	"os"

	"github.com/onetimepad/otpcore/coreerr"
)

// atomicWriteFile replaces path's contents with data: write to
// path+".tmp", fsync, rotate the previous file to path+"~", rename the
// tmp file into place, then drop the backup. This is the same
// write-tmp/fsync/rename/backup shape the reference client's
// StateWriter.writeState uses for its encrypted statefile.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	backup := path + "~"

	f, err := os.OpenFile(tmp, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return coreerr.NewIOError(tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return coreerr.NewIOError(tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return coreerr.NewIOError(tmp, err)
	}
	if err := f.Close(); err != nil {
		return coreerr.NewIOError(tmp, err)
	}

	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return coreerr.NewIOError(backup, err)
	}
	if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
		return coreerr.NewIOError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return coreerr.NewIOError(tmp, err)
	}
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return coreerr.NewIOError(backup, err)
	}
	return nil
}

// readFileIfExists returns (nil, false, nil) if path doesn't exist.
func readFileIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, coreerr.NewIOError(path, err)
	}
	return data, true, nil
}

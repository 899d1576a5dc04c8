package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

type Lock struct {
	file *flock.Flock
}

// AcquireForQueue obtains a filesystem lock scoped to a queue URL so two
// agent processes on the same host cannot poll the same queue into the same
// scratch workspace. An explicit path overrides the derived one.
func AcquireForQueue(path, queueURL string) (*Lock, error) {
	if path == "" {
		sum := sha256.Sum256([]byte(queueURL))
		path = filepath.Join(os.TempDir(), fmt.Sprintf("s3crc-%s.lock", hex.EncodeToString(sum[:8])))
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another agent is already polling this queue (lock: %s)", path)
	}
	return &Lock{file: lock}, nil
}

// Release frees the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Unlock()
}

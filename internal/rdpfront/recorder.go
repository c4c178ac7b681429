package rdpfront

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
)

// Direction tags for a replay frame.
const (
	dirClientToBackend byte = 0
	dirBackendToClient byte = 1
)

// recorder appends one length-prefixed frame per write to a stay's
// .replay file: [dir byte][uint32 length big-endian][payload]. Unlike
// the SSH front-end's line-oriented JSONL recording, RDP traffic is
// binary throughout, so a raw framed format avoids a base64 blow-up on
// every byte the external transcoder will eventually have to decode
// again anyway.
type recorder struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	total int64
}

// newRecorder creates the replay file for a stay under
// dataDir/recordings/<stayID>.replay.
func newRecorder(dataDir, stayID string) (*recorder, error) {
	dir := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, stayID+".replay")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &recorder{f: f, path: path}, nil
}

func (r *recorder) Path() string { return r.path }

func (r *recorder) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *recorder) Write(dir byte, data []byte) error {
	var header [5]byte
	header[0] = dir
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.f.Write(data); err != nil {
		return err
	}
	r.total += int64(len(data))
	return r.f.Sync()
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
